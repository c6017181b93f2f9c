// Package api is the caller-facing layer over the credit ledger.
//
// CreditService is the façade the inference path calls: place a hold before
// a model call, record the metered usage afterwards, grant and claw back
// credit from billing, and read a balance. The gRPC and REST transports are
// thin adapters over it.
//
// Thread safety:
// All methods are safe for concurrent use. The service keeps no mutable
// state of its own; isolation comes from the ledger's row locks.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kelpejol/creditledger/internal/ledger"
	"github.com/kelpejol/creditledger/internal/usage"
)

// Ledger is the subset of *ledger.Ledger the service uses.
type Ledger interface {
	AddCredit(ctx context.Context, in ledger.AddCreditInput) (string, error)
	HoldCredit(ctx context.Context, in ledger.HoldInput) ([]string, error)
	CaptureCredit(ctx context.Context, in ledger.CaptureInput) (ledger.CaptureResult, error)
	RemoveCredit(ctx context.Context, in ledger.RemoveCreditInput) (int64, error)
	Balance(ctx context.Context, accountID string) (ledger.Balance, error)
}

// BalanceCache is implemented by *sync.Syncer.
type BalanceCache interface {
	GetBalance(ctx context.Context, accountID string) (ledger.Balance, bool, error)
	SyncAccount(ctx context.Context, accountID string) error
}

// Settlement reports the outcome of RecordUsedTokens.
type Settlement struct {
	// Credits is the translated usage before rounding up to whole credits.
	Credits  decimal.Decimal `json:"credits"`
	Captured int64           `json:"captured"`
	Refunded int64           `json:"refunded"`
	// Skipped is set when the call consumed nothing and no capture ran.
	Skipped bool `json:"skipped"`
}

// CreditService implements the caller operations.
type CreditService struct {
	ledger     Ledger
	translator *usage.Translator
	cache      BalanceCache
	log        zerolog.Logger
}

// NewCreditService creates a CreditService. cache may be nil.
func NewCreditService(l Ledger, t *usage.Translator, cache BalanceCache, logger zerolog.Logger) *CreditService {
	return &CreditService{
		ledger:     l,
		translator: t,
		cache:      cache,
		log:        logger.With().Str("component", "credit_service").Logger(),
	}
}

// CreateCreditHold reserves an upper-bound estimate before a metered call.
func (s *CreditService) CreateCreditHold(ctx context.Context, accountID string, maxQuantity float64, ref, idempotencyKey string) ([]string, error) {
	return s.ledger.HoldCredit(ctx, ledger.HoldInput{
		AccountID:      accountID,
		MaxQuantity:    maxQuantity,
		Ref:            ref,
		IdempotencyKey: idempotencyKey,
	})
}

// RecordUsedTokens prices the usage and captures the holds at that amount.
// A record with no consumption is a no-op; the holds are left to expire.
func (s *CreditService) RecordUsedTokens(ctx context.Context, accountID string, holdIDs []string, rec usage.Record, resourceClass, ref, idempotencyKey string) (Settlement, error) {
	if rec.IsZero() {
		s.log.Debug().
			Str("account_id", accountID).
			Str("ref", ref).
			Msg("zero usage, capture skipped")
		return Settlement{Credits: decimal.Zero, Skipped: true}, nil
	}

	credits, err := s.translator.Credits(rec, resourceClass)
	if err != nil {
		return Settlement{}, err
	}

	res, err := s.ledger.CaptureCredit(ctx, ledger.CaptureInput{
		AccountID:      accountID,
		HoldIDs:        holdIDs,
		ActualQuantity: credits.Ceil().InexactFloat64(),
		Ref:            ref,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return Settlement{}, err
	}

	return Settlement{
		Credits:  credits,
		Captured: res.Captured,
		Refunded: res.Refunded,
	}, nil
}

// Quote prices a usage record without touching the ledger.
func (s *CreditService) Quote(rec usage.Record, resourceClass string) (decimal.Decimal, error) {
	return s.translator.Credits(rec, resourceClass)
}

// AddCredit grants credit. Redelivery of the same key is a successful no-op.
func (s *CreditService) AddCredit(ctx context.Context, accountID string, quantity float64, idempotencyKey string, expiresAt *time.Time) (string, error) {
	return s.ledger.AddCredit(ctx, ledger.AddCreditInput{
		AccountID:      accountID,
		Quantity:       quantity,
		IdempotencyKey: idempotencyKey,
		ExpiresAt:      expiresAt,
	})
}

// RemoveCredit claws back credit from one batch.
func (s *CreditService) RemoveCredit(ctx context.Context, accountID, batchID string, quantity float64, reason, idempotencyKey string) (int64, error) {
	return s.ledger.RemoveCredit(ctx, ledger.RemoveCreditInput{
		AccountID:      accountID,
		BatchID:        batchID,
		Quantity:       quantity,
		Reason:         reason,
		IdempotencyKey: idempotencyKey,
	})
}

// GetBalance reads the cached balance, falling back to the ledger on a miss
// or cache failure and back-filling the cache.
func (s *CreditService) GetBalance(ctx context.Context, accountID string) (ledger.Balance, error) {
	if accountID == "" {
		return ledger.Balance{}, ledger.ErrAccountRequired
	}

	if s.cache != nil {
		b, ok, err := s.cache.GetBalance(ctx, accountID)
		switch {
		case err != nil:
			s.log.Warn().Err(err).Str("account_id", accountID).Msg("balance cache read failed")
		case ok:
			return b, nil
		}
	}

	b, err := s.ledger.Balance(ctx, accountID)
	if err != nil {
		return ledger.Balance{}, err
	}

	// The back-fill rereads the ledger with a version so it cannot overwrite
	// a newer balance written by an event refresh in the meantime.
	if s.cache != nil {
		if err := s.cache.SyncAccount(ctx, accountID); err != nil {
			s.log.Warn().Err(err).Str("account_id", accountID).Msg("balance cache fill failed")
		}
	}
	return b, nil
}

// Transport-level errors. Client maps gRPC statuses back onto these.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotFound       = errors.New("not found")
)

// Kind classifies an error for transport status mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalid
	KindInsufficient
	KindNotFound
)

// Classify maps service errors onto transport-neutral kinds.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredit):
		return KindInsufficient
	case errors.Is(err, ledger.ErrBatchNotFound),
		errors.Is(err, ledger.ErrNoActiveHolds),
		errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ledger.ErrOverCapture),
		errors.Is(err, ledger.ErrInvalidQuantity),
		errors.Is(err, ledger.ErrIdempotencyKeyRequired),
		errors.Is(err, ledger.ErrAccountRequired),
		errors.Is(err, usage.ErrUnknownResourceClass),
		errors.Is(err, usage.ErrNegativeUsage),
		errors.Is(err, ErrInvalidRequest):
		return KindInvalid
	default:
		return KindInternal
	}
}
