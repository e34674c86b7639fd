package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vircadia/vircadia-world-sub000/internal/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a config file with secure defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = "world-gateway.json"
			}
			force, _ := cmd.Flags().GetBool("force")
			return writeDefaultConfig(output, force)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./world-gateway.json)")
	cmd.Flags().Bool("force", false, "overwrite an existing config file")
	return cmd
}

func writeDefaultConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	secret, err := config.GenerateRandomSecret()
	if err != nil {
		return err
	}

	cfg := config.Config{
		Server: config.Server{
			Addr:           ":3020",
			AllowedOrigins: []string{"*"},
		},
		Auth: config.Auth{
			Providers: []config.ProviderEntry{
				{Name: "system", Secret: secret, Enabled: true},
			},
			SystemTokenExpiry: config.Duration{Duration: 24 * time.Hour},
		},
		Storage: config.Storage{
			Driver: "sqlite",
			DSN:    "world-gateway.db",
		},
		Session: config.Session{
			HeartbeatInterval: config.Duration{Duration: 500 * time.Millisecond},
			QueryTimeout:      config.Duration{Duration: 10 * time.Second},
		},
		Asset: config.Asset{
			CacheDir:            "./world-assets",
			ByteBudget:          1 << 30,
			MaintenanceInterval: config.Duration{Duration: 5 * time.Minute},
		},
		Logging: config.Logging{Level: "info", Format: "json"},
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("wrote %s\n", path)
	fmt.Println("review storage.dsn before running in production")
	return nil
}
