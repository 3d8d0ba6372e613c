package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"farm-identity/internal/config"
)

func newRootCmd(b backend) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "identityctl",
		Short:        "Administer the identity service",
		Long:         "Run migrations, inspect and clear login lockouts, and prune revoked tokens.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "optional YAML config file (env overrides apply)")

	load := func() (*config.Config, error) {
		cfg, err := b.loadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, nil
	}

	withOps := func(cmd *cobra.Command, run func(ops adminOps) error) error {
		cfg, err := load()
		if err != nil {
			return err
		}
		ops, closeFn, err := b.connect(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeFn()
		return run(ops)
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOps(cmd, func(ops adminOps) error {
				applied, err := ops.Migrate(cmd.Context())
				if err != nil {
					return err
				}
				if len(applied) == 0 {
					cmd.Println("Schema is up to date")
					return nil
				}
				for _, version := range applied {
					cmd.Printf("Applied %s\n", version)
				}
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status <username>",
		Short: "Show lockout status for a username",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOps(cmd, func(ops adminOps) error {
				status, err := ops.AccountStatus(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeYAML(cmd, status)
			})
		},
	}

	unlockCmd := &cobra.Command{
		Use:   "unlock <username>",
		Short: "Clear an active lockout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOps(cmd, func(ops adminOps) error {
				unlocked, err := ops.UnlockAccount(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if unlocked {
					cmd.Printf("Unlocked %s\n", args[0])
				} else {
					cmd.Printf("%s was not locked\n", args[0])
				}
				return nil
			})
		},
	}

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Deactivate expired lockouts and prune old revoked token ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOps(cmd, func(ops adminOps) error {
				result, err := ops.Cleanup(cmd.Context())
				if err != nil {
					return err
				}
				cmd.Printf("Deactivated lockouts: %d\n", result.DeactivatedLockouts)
				cmd.Printf("Deleted revoked ids: %d\n", result.DeletedRevokedIDs)
				return nil
			})
		},
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return writeYAML(cmd, cfg.Redacted())
		},
	})

	root.AddCommand(migrateCmd, statusCmd, unlockCmd, cleanupCmd, configCmd)
	return root
}

func writeYAML(cmd *cobra.Command, v any) error {
	out, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	cmd.Print(string(out))
	return nil
}
