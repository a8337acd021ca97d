// Command nvfused mounts a previously formatted device under a fixed
// role and serves until interrupted, unmounting cleanly on SIGINT or
// SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/minggr/nvfuse-go/internal/logging"
	"github.com/minggr/nvfuse-go/mount"
)

type config struct {
	Device        string `mapstructure:"device"`
	Role          string `mapstructure:"role"`
	ClusterSize   uint32 `mapstructure:"cluster-size"`
	BGCount       uint32 `mapstructure:"bg-count"`
	ClustersPerBG uint32 `mapstructure:"clusters-per-bg"`
	InodesPerBG   uint32 `mapstructure:"inodes-per-bg"`
	AppName       string `mapstructure:"app-name"`
	Preallocation bool   `mapstructure:"preallocation"`
}

func parseRole(s string) (mount.Role, error) {
	switch s {
	case "standalone", "":
		return mount.RoleStandalone, nil
	case "control-plane":
		return mount.RoleControlPlane, nil
	case "data-plane":
		return mount.Role(0), fmt.Errorf("role %q requires an in-process control-plane ipc.Registry handle, not available to a standalone nvfused invocation", s)
	default:
		return mount.Role(0), fmt.Errorf("unknown role %q", s)
	}
}

func main() {
	var cfgFile string
	root := &cobra.Command{
		Use:   "nvfused",
		Short: "Mount an nvfuse-go filesystem and serve until interrupted",
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
			return run(c)
		},
	}

	flags := root.Flags()
	flags.String("device", "", "path to the backing file/block device, previously formatted by nvfuse-mkfs")
	flags.String("role", "standalone", "standalone or control-plane")
	flags.Uint32("cluster-size", 4096, "cluster size in bytes")
	flags.Uint32("bg-count", 4, "number of block groups")
	flags.Uint32("clusters-per-bg", 8192, "clusters per block group")
	flags.Uint32("inodes-per-bg", 1024, "inodes per block group")
	flags.String("app-name", "nvfused", "app name registered over IPC")
	flags.Bool("preallocation", false, "preallocation mode buffer-cache sizing")
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

func run(c config) error {
	if c.Device == "" {
		return fmt.Errorf("--device is required")
	}
	role, err := parseRole(c.Role)
	if err != nil {
		return err
	}

	log := logging.New(c.Role, c.AppName)
	logging.SetGlobal(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fs, err := mount.Mount(ctx, mount.Config{
		Role:          role,
		DevicePath:    c.Device,
		ClusterSize:   c.ClusterSize,
		BGCount:       c.BGCount,
		ClustersPerBG: c.ClustersPerBG,
		InodesPerBG:   c.InodesPerBG,
		AppName:       c.AppName,
		Preallocation: c.Preallocation,
		Log:           log,
	})
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	log.Infow("mounted", "device", c.Device, "role", role.String())

	<-ctx.Done()
	log.Infow("shutting down", "reason", ctx.Err())
	return mount.Unmount(context.Background(), fs)
}
