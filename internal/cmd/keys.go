package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/promptgate/promptgate/internal/config"
	"github.com/promptgate/promptgate/internal/models"
	"github.com/promptgate/promptgate/internal/storage"
	"github.com/spf13/cobra"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
	Long:  `List, create and revoke the API keys stored in the key directory`,
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cfg, err := openKeys()
		if err != nil {
			return err
		}
		renderKeys(cmd.OutOrStdout(), store.List(), cfg.RateLimit.DefaultQuota)
		return nil
	},
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an API key",
	Long: `Create an API key. The raw key is printed once and cannot be recovered.
A running server watching the key directory admits it immediately.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		quota, _ := cmd.Flags().GetInt("quota")
		if quota < 0 {
			return fmt.Errorf("quota must not be negative")
		}

		store, cfg, err := openKeys()
		if err != nil {
			return err
		}
		key, raw, err := store.Provision(name, quota)
		if err != nil {
			return fmt.Errorf("failed to create key: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Created key %s (%s), quota %d per %s\n",
			key.ID, displayName(key), key.QuotaOr(cfg.RateLimit.DefaultQuota), cfg.RateLimit.Window)
		fmt.Fprintf(out, "\n  %s\n\nStore it now, it will not be shown again.\n", raw)
		return nil
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Revoke an API key",
	Long:  `Revoke an API key. A running server watching the key directory stops admitting it immediately.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openKeys()
		if err != nil {
			return err
		}
		key, err := store.Revoke(args[0])
		if err != nil {
			return fmt.Errorf("failed to revoke %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Revoked key %s (%s)\n", key.ID, displayName(key))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysListCmd, keysCreateCmd, keysRevokeCmd)

	keysCreateCmd.Flags().String("name", "", "key name")
	keysCreateCmd.Flags().Int("quota", 0, "requests per window (0 uses rate_limit.default_quota)")
}

// openKeys opens the configured key directory without writing a config file
func openKeys() (*storage.KeyStore, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	store, err := storage.OpenKeyStore(cfg.Storage.KeysDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open key store: %w", err)
	}
	return store, cfg, nil
}

func renderKeys(w io.Writer, keys []*models.APIKey, defaultQuota int) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"ID", "Name", "Prefix", "Quota", "Status", "Created"})

	for _, k := range keys {
		status := "active"
		if !k.Active {
			status = "revoked"
		}
		t.AppendRow(table.Row{
			k.ID,
			displayName(k),
			k.KeyPrefix + "...",
			k.QuotaOr(defaultQuota),
			status,
			time.Unix(k.CreatedAt, 0).Format("2006-01-02 15:04"),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "Total", len(keys)})
	t.Render()
}

func displayName(k *models.APIKey) string {
	if k.Name == "" {
		return "unnamed"
	}
	return k.Name
}
