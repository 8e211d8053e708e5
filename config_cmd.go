package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/elcano/stepsync/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigInitCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	}
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	out := cmd.OutOrStdout()

	if cc.Flags.JSON {
		redacted := *cc.Cfg
		if redacted.Store.PostgresURL != "" {
			redacted.Store.PostgresURL = "(set)"
		}

		if redacted.Push.RedisPassword != "" {
			redacted.Push.RedisPassword = "(set)"
		}

		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")

		return enc.Encode(redacted)
	}

	return config.RenderEffective(cc.Cfg, cc.CfgPath, out)
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a commented default config file",
		Long: `Write a config file with every setting present as a commented default.
The file goes to --config, STEPSYNC_CONFIG or the platform default path,
and is never overwritten.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE:        runConfigInit,
	}
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	env := config.ReadEnvOverrides()
	path := config.ResolveConfigPath(env, config.CLIOverrides{ConfigPath: flagConfigPath})

	userID := env.UserID
	if cmd.Flags().Changed("user") {
		userID = flagUser
	}

	if err := config.WriteDefault(path, userID); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	cc.Statusf("Edit it, then start the daemon with: stepsync run\n")

	return nil
}
