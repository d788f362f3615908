package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"guest-watchdog/internal/agent"
	"guest-watchdog/internal/config"
)

type rootFlags struct {
	configPath string
	backend    string
}

func newRootCmd() *cobra.Command {
	var flags rootFlags

	root := &cobra.Command{
		Use:           "guest-watchdog",
		Short:         "Reset virtual machines whose guest stops checking in",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, file, err := flags.load()
			if err != nil {
				return err
			}
			logger := agent.BuildLogger(cfg)
			a, err := agent.New(cfg, file, logger)
			if err != nil {
				logger.Error("agent initialization failed", "error", err)
				return err
			}
			if err := a.Run(cmd.Context()); err != nil {
				logger.Error("agent runtime failed", "error", err)
				return err
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "machines file (overrides WATCHDOG_CONFIG)")
	root.PersistentFlags().StringVar(&flags.backend, "backend", "", "hypervisor backend, proxmox or libvirt (overrides WATCHDOG_BACKEND)")

	root.AddCommand(newValidateCmd(&flags))
	return root
}

func newValidateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and list the monitored machines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, file, err := flags.load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "backend %s, %d machine(s)\n", cfg.Backend, len(file.VMConfigs))
			for _, mc := range file.Machines(cfg.Backend) {
				fmt.Fprintf(out, "%s\t%s\tmax_no_warning=%s grace=%s reset=%s dry_run=%t\n",
					mc.Key(), mc.FriendlyName, mc.MaxNoWarningInterval, mc.GracePeriod, mc.ResetDuration, mc.DryRun)
			}
			return nil
		},
	}
}

// load reads the environment, applies flag overrides and parses the
// machines file.
func (f rootFlags) load() (config.Config, config.File, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, config.File{}, fmt.Errorf("load config: %w", err)
	}
	if f.configPath != "" {
		cfg.ConfigPath = f.configPath
	}
	if f.backend != "" {
		cfg.Backend = config.Backend(strings.ToLower(f.backend))
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, config.File{}, err
	}

	file, err := config.LoadMachines(cfg.ConfigPath)
	if err != nil {
		return config.Config{}, config.File{}, err
	}
	if err := file.Validate(cfg.Backend); err != nil {
		return config.Config{}, config.File{}, fmt.Errorf("%s: %w", cfg.ConfigPath, err)
	}
	return cfg, file, nil
}
