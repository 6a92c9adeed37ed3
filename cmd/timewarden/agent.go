package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/yiays/timewarden/internal/budget"
	"github.com/yiays/timewarden/internal/config"
	"github.com/yiays/timewarden/internal/enforce"
	"github.com/yiays/timewarden/internal/notify"
	"github.com/yiays/timewarden/internal/secret"
	"github.com/yiays/timewarden/internal/storage/bolt"
	"github.com/yiays/timewarden/internal/syncclient"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the enforcement agent",
	Long:  `Run the screen-time enforcement loop on this device, with periodic state persistence and background sync.`,
	RunE:  runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting Timewarden agent")

	store, err := bolt.Open(cfg.Agent.StatePath)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close state store")
		}
	}()

	st, found, err := store.Load()
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	if !found {
		st = budget.NewState(time.Now())

		// Onboarding: an access password gates settings edits and sign-out.
		// The headless prompter always cancels; a desktop build plugs in a
		// modal dialog here.
		var prompter notify.Prompter = notify.NoPrompt{}
		if password, ok := prompter.PromptSecret("Timewarden", "Set an access password"); ok {
			hash, err := secret.Hash(password)
			if err != nil {
				return fmt.Errorf("failed to hash access password: %w", err)
			}
			st.CredentialHash = hash
		}

		if err := store.Save(st); err != nil {
			return fmt.Errorf("failed to save first-run state: %w", err)
		}
		logger.Info().Str("uuid", st.UUID.String()).Msg("First run, new identity generated")
	}

	actions := notify.LogActions{Logger: logger}
	notifier := notify.LogNotifier{Logger: logger}

	loop := enforce.New(st, budget.RealClock{}, enforce.Config{
		GraceWindow:       parseDuration(cfg.Agent.GraceWindow, 30*time.Second),
		WarnThreshold:     parseDuration(cfg.Agent.WarnThreshold, 10*time.Minute),
		FinalWarning:      parseDuration(cfg.Agent.FinalWarning, 30*time.Second),
		ShutdownThreshold: parseDuration(cfg.Agent.ShutdownThreshold, 10*time.Second),
		PersistEveryTicks: cfg.Agent.PersistEveryTicks,
	}, actions, notifier, store, nil, notify.NoWatcher{}, logger)

	var dispatcher *syncclient.Dispatcher
	if cfg.Agent.SyncURL != "" {
		timeout := parseDuration(cfg.Agent.SyncTimeout, 10*time.Second)
		client := syncclient.New(cfg.Agent.SyncURL, timeout, notifier, logger)
		dispatcher = syncclient.NewDispatcher(client, loop, timeout, logger)
		loop.SetSyncer(dispatcher)
		logger.Info().Str("url", cfg.Agent.SyncURL).Msg("Sync enabled")
	} else {
		logger.Info().Msg("No sync URL configured, running offline")
	}

	go loop.Run()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	loop.Stop()
	if dispatcher != nil {
		dispatcher.Wait()
	}
	return nil
}
