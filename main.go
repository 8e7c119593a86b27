package main

import "github.com/deploymenttheory/go-xfs/cmd"

func main() {
	cmd.Execute()
}
