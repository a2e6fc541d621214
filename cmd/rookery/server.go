package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/corvid-labs/rookery/pkg/api"
	"github.com/corvid-labs/rookery/pkg/config"
	"github.com/corvid-labs/rookery/pkg/log"
	"github.com/corvid-labs/rookery/pkg/orchestrator"
	"github.com/corvid-labs/rookery/pkg/security"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run a rookery node",
	Long: `Run the orchestrator with its HTTP API.

Configuration is read from the --config file when given, otherwise
built-in defaults apply. ROOKERY_DATA_DIR, ROOKERY_LISTEN_ADDR,
ROOKERY_LOG_LEVEL and ROOKERY_ENCRYPTION_KEY override the file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			cfg.ListenAddr = listen
		}
		if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
			cfg.DataDir = dataDir
		}
		if keyFile, _ := cmd.Flags().GetString("key-file"); keyFile != "" {
			key, err := security.ReadKeyFile(keyFile)
			if err != nil {
				return err
			}
			cfg.Bus.EncryptionKey = key
		}
		if cfg.Bus.EncryptionKey != "" {
			if err := security.ValidateKey(cfg.Bus.EncryptionKey); err != nil {
				return err
			}
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})

		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}

		orch, err := orchestrator.New(cfg)
		if err != nil {
			return err
		}
		if err := orch.Start(); err != nil {
			return err
		}

		apiServer := api.NewServer(orch)
		errCh := make(chan error, 1)
		go func() {
			if err := apiServer.Start(cfg.ListenAddr); err != nil {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.WithComponent("main").Info().Str("signal", sig.String()).Msg("shutting down")
		case err := <-errCh:
			log.WithComponent("main").Error().Err(err).Msg("api server failed")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := apiServer.Stop(shutdownCtx); err != nil {
			log.WithComponent("main").Warn().Err(err).Msg("api shutdown incomplete")
		}
		orch.Stop()
		return nil
	},
}

func init() {
	serverCmd.Flags().String("config", "", "Path to config file")
	serverCmd.Flags().String("listen", "", "HTTP listen address (overrides config)")
	serverCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	serverCmd.Flags().String("key-file", "", "File holding the snapshot encryption key (see rookery keygen)")
}
