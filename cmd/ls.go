package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-xfs/internal/xfs"
)

var lsCmd = &cobra.Command{
	Use:   "ls <source> [path]",
	Short: "List a directory",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/"
		if len(args) > 1 {
			path = args[1]
		}
		m, err := mountFromFlags(args[0])
		if err != nil {
			return err
		}
		defer m.Unmount()

		return m.ReadDir(path, 0, func(e xfs.DirEntry) bool {
			fmt.Printf("%10d  %-8s %s\n", e.Ino, e.Type, e.Name)
			return true
		})
	},
}

func init() {
	rootCmd.AddCommand(lsCmd)
}
