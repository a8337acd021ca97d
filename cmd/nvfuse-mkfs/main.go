// Command nvfuse-mkfs formats a backing file or block device with a
// fresh nvfuse-go superblock and root directory. It stays a thin wrapper
// over mount.FormatSuperblock plus one Mount/Unmount pair.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/minggr/nvfuse-go/device"
	"github.com/minggr/nvfuse-go/mount"
)

// config mirrors the flags this command accepts; bound through viper so
// a config file (--config) can supply the same keys.
type config struct {
	Device        string `mapstructure:"device"`
	ClusterSize   uint32 `mapstructure:"cluster-size"`
	BGCount       uint32 `mapstructure:"bg-count"`
	ClustersPerBG uint32 `mapstructure:"clusters-per-bg"`
	InodesPerBG   uint32 `mapstructure:"inodes-per-bg"`
}

func main() {
	var cfgFile string
	root := &cobra.Command{
		Use:   "nvfuse-mkfs",
		Short: "Format a device or file with a fresh nvfuse-go superblock",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile != "" {
				viper.SetConfigFile(cfgFile)
				if err := viper.ReadInConfig(); err != nil {
					return fmt.Errorf("reading config file: %w", err)
				}
			}
			var c config
			if err := viper.Unmarshal(&c); err != nil {
				return fmt.Errorf("parsing flags: %w", err)
			}
			return runMkfs(c)
		},
	}

	flags := root.Flags()
	flags.String("device", "", "path to the backing file/block device to format")
	flags.Uint32("cluster-size", 4096, "cluster size in bytes, a multiple of 4096")
	flags.Uint32("bg-count", 4, "number of block groups")
	flags.Uint32("clusters-per-bg", 8192, "clusters per block group")
	flags.Uint32("inodes-per-bg", 1024, "inodes per block group")
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "optional YAML config file overriding flags")

	if err := viper.BindPFlags(flags); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runMkfs(c config) error {
	if c.Device == "" {
		return fmt.Errorf("--device is required")
	}
	if c.ClusterSize%4096 != 0 {
		return fmt.Errorf("cluster size %d must be a multiple of 4096", c.ClusterSize)
	}

	ctx := context.Background()
	blocks := uint64(c.BGCount) * uint64(c.ClustersPerBG)
	dev, err := device.OpenBlockDevice(c.Device, int(c.ClusterSize), blocks)
	if err != nil {
		return fmt.Errorf("opening device: %w", err)
	}
	if err := mount.FormatSuperblock(ctx, dev, c.BGCount, c.ClustersPerBG, c.InodesPerBG); err != nil {
		dev.Close()
		return fmt.Errorf("writing superblock: %w", err)
	}
	dev.Close()

	fs, err := mount.Mount(ctx, mount.Config{
		Role:          mount.RoleStandalone,
		DevicePath:    c.Device,
		DeviceBlocks:  blocks,
		ClusterSize:   c.ClusterSize,
		BGCount:       c.BGCount,
		ClustersPerBG: c.ClustersPerBG,
		InodesPerBG:   c.InodesPerBG,
	})
	if err != nil {
		return fmt.Errorf("formatting root directory: %w", err)
	}
	return mount.Unmount(ctx, fs)
}
