package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var catCmd = &cobra.Command{
	Use:   "cat <source> <path>",
	Short: "Print a file's contents",
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
		buf := make([]byte, 1<<20)
		for off := int64(0); off < st.Size; {
			n, err := m.ReadFile(args[1], buf, off)
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
			if _, err := os.Stdout.Write(buf[:n]); err != nil {
				return err
			}
			off += int64(n)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(catCmd)
}
