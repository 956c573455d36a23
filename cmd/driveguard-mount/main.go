// driveguard-mount attaches a content-scanning overlay in front of a
// removable volume's backing directory and blocks sensitive writes at
// file close.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/driveguard/driveguard/pkg/config"
	"github.com/driveguard/driveguard/pkg/dlp"
	"github.com/driveguard/driveguard/pkg/events"
	"github.com/driveguard/driveguard/pkg/fuse"
)

var version = "dev"

var (
	flagConfig     string
	flagBacking    string
	flagMountPoint string
	flagEncrypted  bool
	flagAllowOther bool
	flagDebug      bool
)

var rootCmd = &cobra.Command{
	Use:   "driveguard-mount",
	Short: "Mount a scan-enforcing overlay over a storage directory",
	Long: "\ndriveguard-mount exposes a backing directory through a FUSE overlay " +
		"that buffers every write and scans it for sensitive content before " +
		"it reaches the device. Files that match blocking patterns are " +
		"rejected at close with permission denied.",
	RunE: runMount,
}

func init() {
	rootCmd.Flags().StringVar(&flagConfig, "config", "", "Path to configuration file")
	rootCmd.Flags().StringVar(&flagBacking, "backing", "", "Backing directory holding the real data")
	rootCmd.Flags().StringVar(&flagMountPoint, "mountpoint", "", "Directory to mount the overlay at")
	rootCmd.Flags().BoolVar(&flagEncrypted, "encrypted", false, "Mark the volume as encrypted at rest (audit without blocking)")
	rootCmd.Flags().BoolVar(&flagAllowOther, "allow-other", false, "Allow other users to access the mount")
	rootCmd.Flags().BoolVar(&flagDebug, "debug", false, "Enable FUSE debug output")
	rootCmd.MarkFlagRequired("backing")
	rootCmd.MarkFlagRequired("mountpoint")

	rootCmd.Version = version
	rootCmd.SetVersionTemplate("driveguard-mount version {{.Version}}\n")
}

func runMount(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.ConfigureLogging(); err != nil {
		return err
	}

	scanner, err := dlp.NewScanner(cfg.ToScannerConfig())
	if err != nil {
		return fmt.Errorf("failed to build scanner: %w", err)
	}

	gfs, err := fuse.NewGuardFS(fuse.Options{
		BackingPath:      flagBacking,
		Encrypted:        flagEncrypted,
		EnforceEncrypted: cfg.Enforcement.EnforceEncrypted,
		SecureDelete:     cfg.Enforcement.SecureDelete,
	}, scanner, events.NewLogPublisher())
	if err != nil {
		return err
	}

	vol, err := fuse.Mount(gfs, fuse.MountOptions{
		MountPoint: flagMountPoint,
		VolumeName: flagBacking,
		AllowOther: flagAllowOther,
		Debug:      flagDebug,
	})
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"backing":    flagBacking,
		"mountpoint": flagMountPoint,
	}).Info("driveguard active, press Ctrl+C to unmount")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	if err := vol.Unmount(); err != nil {
		return err
	}
	printStats(vol.Stats())
	return nil
}

func printStats(snap fuse.StatsSnapshot) {
	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}
	fmt.Fprintln(os.Stderr, string(out))
}

func main() {
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
