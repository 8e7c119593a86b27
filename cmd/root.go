package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	debug     bool
	readWrite bool
)

var rootCmd = &cobra.Command{
	Use:   "go-xfs",
	Short: "Userspace XFS filesystem engine",
	Long: `go-xfs is a userspace engine for the XFS on-disk format. It mounts
raw images or block devices without the kernel driver, resolves paths,
reads and writes files, and keeps V5 checksums intact.

Commands:
  info    Show superblock geometry and feature flags
  ls      List a directory
  cat     Print a file's contents
  stat    Show an inode's attributes`,
	Version: "0.1.0",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logrus.SetLevel(logrus.WarnLevel)
		if debug {
			logrus.SetLevel(logrus.DebugLevel)
		}
	},
}

// Execute runs the CLI; mount failures exit non-zero.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&readWrite, "rw", false, "mount read-write")
}
