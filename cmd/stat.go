package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statCmd = &cobra.Command{
	Use:   "stat <source> <path>",
	Short: "Show an inode's attributes",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := mountFromFlags(args[0])
		if err != nil {
			return err
		}
		defer m.Unmount()

		st, err := m.Stat(args[1])
		if err != nil {
			return err
		}
		fmt.Printf("inode:  %d\n", st.Ino)
		fmt.Printf("mode:   %06o\n", st.Mode)
		fmt.Printf("nlink:  %d\n", st.Nlink)
		fmt.Printf("owner:  %d:%d\n", st.UID, st.GID)
		fmt.Printf("size:   %d\n", st.Size)
		fmt.Printf("blocks: %d\n", st.Blocks)
		fmt.Printf("atime:  %s\n", st.Atime)
		fmt.Printf("mtime:  %s\n", st.Mtime)
		fmt.Printf("ctime:  %s\n", st.Ctime)
		if !st.Crtime.IsZero() {
			fmt.Printf("crtime: %s\n", st.Crtime)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statCmd)
}
