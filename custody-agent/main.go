// Package main implements the bund custody agent. The agent holds the
// wallet master key material, mediates provider requests from pages
// against per-origin trust, and broadcasts approved transactions and
// bundles to the ledger.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/bunwallet/bund/custody-agent/storage"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "/etc/bund/agent.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	restore := flag.Bool("restore", false, "Restore the latest backup before starting")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Logger = log.With().Str("agent_id", cfg.AgentID).Logger()
	log.Info().Str("version", Version).Msg("Custody agent starting")

	// Keep key material off swap. Best effort; not all environments
	// grant the capability.
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		log.Warn().Err(err).Msg("mlockall unavailable, memory may be swapped")
	}

	if err := run(cfg, *restore); err != nil {
		log.Fatal().Err(err).Msg("Custody agent error")
	}

	log.Info().Msg("Custody agent shutdown complete")
}

func run(cfg *Config, restore bool) error {
	storageKey, err := loadDeviceSecret(cfg.DeviceSecretPath)
	if err != nil {
		return fmt.Errorf("failed to load device secret: %w", err)
	}
	defer zeroBytes(storageKey)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.Open(cfg.DBPath, storageKey, cfg.AgentID)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var backups *BackupManager
	if cfg.Backup.Enabled {
		backups, err = NewBackupManager(ctx, store, cfg.Backup, cfg.AgentID)
		if err != nil {
			return fmt.Errorf("failed to create backup manager: %w", err)
		}
	}

	if restore {
		if backups == nil {
			return fmt.Errorf("restore requested but backups are disabled")
		}
		if err := backups.RestoreLatest(ctx); err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
	}

	credentials := NewCredentialStore(store)
	session := NewSessionCache(store, time.Duration(cfg.Session.WindowMinutes)*time.Minute)
	accounts, err := NewAccountRegistry(store)
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}

	ledger := NewRPCLedgerClient(
		cfg.Ledger.RPCURL,
		cfg.Ledger.BlockEngineURL,
		time.Duration(cfg.Ledger.RequestTimeoutSecs)*time.Second,
	)

	// Surface is wired after the transport exists since prompts go out
	// over the same connection.
	engine := NewEngine(credentials, session, accounts, ledger, store, nil)

	transport, err := NewNATSTransport(cfg.NATS, engine)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	defer transport.Close()

	engine.surface = NewNATSSurface(transport.Conn(), cfg.NATS.UISubject)

	if err := transport.Start(); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	poller := NewConfirmationPoller(store, ledger, time.Duration(cfg.Ledger.PollIntervalSeconds)*time.Second)
	go poller.Run(ctx)

	if backups != nil {
		go backups.Run(ctx)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	cancel()
	session.Invalidate()
	engine.Teardown()
	return nil
}

// loadDeviceSecret reads the 32-byte storage secret, generating one on
// first run
func loadDeviceSecret(path string) ([]byte, error) {
	secret, err := os.ReadFile(path)
	if err == nil {
		if len(secret) != 32 {
			return nil, fmt.Errorf("device secret must be 32 bytes, got %d", len(secret))
		}
		return secret, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	secret = make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, err
	}

	log.Info().Str("path", path).Msg("Generated new device secret")
	return secret, nil
}
