package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/yiays/timewarden/internal/config"
	"github.com/yiays/timewarden/internal/secret"
	"github.com/yiays/timewarden/internal/storage/bolt"
	"github.com/yiays/timewarden/internal/syncclient"
)

var signoutPassword string

var signoutCmd = &cobra.Command{
	Use:   "signout",
	Short: "Sign out every linked device",
	Long: `Revoke every credential on the remote record. All other devices lose
access; this device stores the single replacement credential.`,
	RunE: runSignout,
}

func init() {
	signoutCmd.Flags().StringVar(&signoutPassword, "password", "", "Access password (required when one is set)")
	rootCmd.AddCommand(signoutCmd)
}

func runSignout(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Agent.SyncURL == "" {
		return fmt.Errorf("no sync URL configured; nothing to sign out of")
	}

	logger := setupLogger(cfg.Logging)

	store, err := bolt.Open(cfg.Agent.StatePath)
	if err != nil {
		return fmt.Errorf("failed to open state store (is the agent running?): %w", err)
	}
	defer store.Close()

	st, found, err := store.Load()
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	if !found || st.Credential == uuid.Nil {
		return fmt.Errorf("this device has never synced; nothing to sign out of")
	}

	if st.CredentialHash != "" {
		if err := secret.Verify(signoutPassword, st.CredentialHash); err != nil {
			return fmt.Errorf("access password incorrect")
		}
	}

	timeout := parseDuration(cfg.Agent.SyncTimeout, 10*time.Second)
	client := syncclient.New(cfg.Agent.SyncURL, timeout, nil, logger)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	fresh, err := client.Deauthorize(ctx, st.UUID, st.Credential)
	if err != nil {
		return fmt.Errorf("sign-out failed: %w", err)
	}

	st.Credential = fresh
	if err := store.Save(st); err != nil {
		return fmt.Errorf("signed out remotely but failed to store the new credential: %w", err)
	}

	fmt.Println("All other devices signed out. This device keeps access.")
	return nil
}
