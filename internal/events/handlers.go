package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/kelpejol/creditledger/internal/ledger"
)

// BalanceRefresher reloads an account's cached balance from the ledger.
type BalanceRefresher interface {
	SyncAccount(ctx context.Context, accountID string) error
}

// RegisterDefaults binds the built-in handlers: every event refreshes the
// account's cached balance, and expiry events also warn operators.
// A nil refresher skips cache refreshes.
func RegisterDefaults(reg *Registry, refresher BalanceRefresher, logger zerolog.Logger) error {
	log := logger.With().Str("component", "event_handlers").Logger()

	refresh := func(ctx context.Context, e ledger.Event) error {
		if refresher == nil {
			return nil
		}
		if err := refresher.SyncAccount(ctx, e.AccountID); err != nil {
			return fmt.Errorf("refresh balance cache for %s: %w", e.AccountID, err)
		}
		return nil
	}

	handlers := map[ledger.EventType]HandlerFunc{
		ledger.EventCreditAdded:       refresh,
		ledger.EventCreditHoldCreated: refresh,
		ledger.EventCreditHoldCapture: refresh,
		ledger.EventCreditRemoved:     refresh,
		ledger.EventCreditHoldExpired: func(ctx context.Context, e ledger.Event) error {
			var p ledger.HoldExpiredPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return fmt.Errorf("decode hold expired payload: %w", err)
			}
			log.Warn().
				Str("account_id", e.AccountID).
				Str("hold_id", p.HoldID).
				Str("batch_id", p.BatchID).
				Int64("quantity", p.Quantity).
				Msg("hold was never captured and has been released")
			return refresh(ctx, e)
		},
		ledger.EventCreditExpired: func(ctx context.Context, e ledger.Event) error {
			var p ledger.CreditExpiredPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return fmt.Errorf("decode credit expired payload: %w", err)
			}
			log.Warn().
				Str("account_id", e.AccountID).
				Str("batch_id", p.BatchID).
				Int64("quantity", p.Quantity).
				Msg("unused credit expired")
			return refresh(ctx, e)
		},
	}

	for _, t := range ledger.EventTypes {
		if err := reg.Register(t, handlers[t]); err != nil {
			return err
		}
	}
	return nil
}
