package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bunwallet/bund/custody-agent/storage"
)

// ConfirmationPoller advances pending submissions to a terminal status
// by polling the ledger. Transient poll errors are logged and retried
// on the next tick.
type ConfirmationPoller struct {
	store    *storage.Store
	ledger   LedgerClient
	interval time.Duration
}

// NewConfirmationPoller creates a poller with the given tick interval
func NewConfirmationPoller(store *storage.Store, ledger LedgerClient, interval time.Duration) *ConfirmationPoller {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &ConfirmationPoller{
		store:    store,
		ledger:   ledger,
		interval: interval,
	}
}

// Run polls until the context is cancelled
func (p *ConfirmationPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", p.interval).Msg("Confirmation poller started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Confirmation poller stopping")
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick polls every pending submission once
func (p *ConfirmationPoller) tick(ctx context.Context) {
	pending, err := p.store.ListSubmissionsByStatus(SubmissionPending)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list pending submissions")
		return
	}

	for _, sub := range pending {
		status, err := p.ledger.PollStatus(ctx, sub.ID, sub.Kind)
		if err != nil {
			log.Warn().
				Err(err).
				Str("id", sub.ID).
				Str("kind", sub.Kind).
				Msg("Status poll failed, will retry")
			continue
		}
		if status == SubmissionPending {
			continue
		}

		if err := p.store.UpdateSubmissionStatus(sub.ID, status); err != nil {
			log.Error().Err(err).Str("id", sub.ID).Msg("Failed to update submission status")
			continue
		}

		log.Info().
			Str("id", sub.ID).
			Str("kind", sub.Kind).
			Str("status", status).
			Msg("Submission resolved")
	}
}
