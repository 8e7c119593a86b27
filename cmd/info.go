package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info <source>",
	Short: "Show superblock geometry and feature flags",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := mountFromFlags(args[0])
		if err != nil {
			return err
		}
		defer m.Unmount()

		geo := m.Geometry()
		st := m.StatVFS()
		fmt.Printf("format version: V%d\n", geo.Version)
		fmt.Printf("block size:     %d\n", geo.BlockSize)
		fmt.Printf("inode size:     %d\n", geo.InodeSize)
		fmt.Printf("dir block size: %d\n", geo.DirBlockSize)
		fmt.Printf("AGs:            %d x %d blocks\n", geo.AGCount, geo.AGBlocks)
		fmt.Printf("UUID:           %s\n", geo.UUID)
		fmt.Printf("CRC:            %v\n", geo.HasCRC)
		fmt.Printf("FTYPE:          %v\n", geo.HasFtype)
		fmt.Printf("blocks:         %d total, %d free\n", st.Blocks, st.BlocksFree)
		fmt.Printf("inodes:         %d allocated, %d free\n", st.Files, st.FilesFree)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
