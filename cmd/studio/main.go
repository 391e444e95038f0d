package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/thesyncim/studio"
)

var (
	cfgFile  string
	provider string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:           "studio",
	Short:         "Multi-source capture and recording engine",
	Long:          `studio captures camera, screen and microphone, composites and mixes them, and records the result as rtpdump.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Report what this machine can composite and encode",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()

		rc, err := cfg.RecorderConfig()
		if err != nil {
			return err
		}
		caps := studio.Probe(cmd.Context(), studio.ProbeConfig{
			Compositor:         rc.Compositor,
			Encoder:            rc.Encoder,
			DisableCompositing: rc.DisableCompositing,
		}, log)
		return printYAML(caps)
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List capture devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()

		p, err := studio.NewDeviceProvider(cfg.Provider)
		if err != nil {
			return fmt.Errorf("%w (available: %v)", err, studio.DeviceProviders())
		}
		devices, err := p.Devices(cmd.Context())
		if err != nil {
			return err
		}
		for _, d := range devices {
			fmt.Printf("%-8s %-40s %s\n", d.Kind, d.DeviceID, d.Label)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./studio.yaml)")
	rootCmd.PersistentFlags().StringVar(&provider, "provider", "", "device provider (synthetic, system)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override")

	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads the configuration, applies flag overrides and builds the logger.
func setup() (*studio.Config, *zap.Logger, error) {
	cfg, err := studio.LoadConfig(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if provider != "" {
		cfg.Provider = provider
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	log, err := studio.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func printYAML(v any) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
