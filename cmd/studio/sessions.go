package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/thesyncim/studio"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect recorded sessions in the registry",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List session ids",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer closeRegistry(reg)

		ids, err := reg.List(cmd.Context())
		if err != nil {
			return err
		}
		for _, id := range ids {
			s, err := reg.Load(cmd.Context(), id)
			if err != nil {
				fmt.Printf("%s  (unreadable: %v)\n", id, err)
				continue
			}
			fmt.Printf("%s  %-10s %-20s %8s  %v\n",
				s.ID, s.State, s.StartTime.Format("2006-01-02 15:04:05"),
				s.TotalDuration.Round(time.Millisecond), s.Metadata.Sources)
		}
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a session's metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer closeRegistry(reg)

		s, err := reg.Load(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printYAML(s)
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Remove a session from the registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer closeRegistry(reg)
		return reg.Delete(cmd.Context(), args[0])
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
}

func openRegistry() (studio.Registry, error) {
	cfg, log, err := setup()
	if err != nil {
		return nil, err
	}
	defer log.Sync()
	if cfg.Registry.Kind == studio.RegistryMemory {
		return nil, fmt.Errorf("registry kind %q does not outlive the process; configure file or redis", cfg.Registry.Kind)
	}
	return studio.NewRegistry(cfg.Registry)
}

func closeRegistry(reg studio.Registry) {
	if c, ok := reg.(io.Closer); ok {
		_ = c.Close()
	}
}
