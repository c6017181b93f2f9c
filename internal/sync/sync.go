// Package sync keeps the Redis balance cache in step with the ledger.
//
// PostgreSQL is the source of truth for every account balance. Redis holds
// a copy so balance reads on the request path do not have to aggregate
// batch and hold rows. A stale cache never lets anyone overspend: holds are
// always decided by the ledger under row locks. A stale cache only shows
// the wrong number on a balance read.
//
// The sync strategy:
//   - At startup: load every account's balance (full sync)
//   - On every committed ledger event: refresh that account (event handler)
//   - Periodically: refresh accounts with recent activity (drift correction)
//   - On demand: VerifyIntegrity compares a sample and repairs mismatches
//
// Redis key format:
//
//	account:balance:<id> -> available credits
//	account:held:<id>    -> credits in ACTIVE holds
//	account:version:<id> -> ledger event count the cached pair was read at
//
// Writes go through a Lua script that refuses a pair read at a lower
// version than the one already cached, so two refreshes that finish out of
// order cannot leave the older balance behind.
package sync

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/kelpejol/creditledger/internal/clock"
	"github.com/kelpejol/creditledger/internal/ledger"
	"github.com/kelpejol/creditledger/internal/metrics"
)

const (
	// DefaultInterval is the period of the drift-correction sync.
	DefaultInterval = 5 * time.Minute

	recentWindow  = time.Hour
	pipelineBatch = 1000
)

// Source reads authoritative balances. The version returned with a balance
// must never decrease between successive reads of the same account.
type Source interface {
	VersionedBalance(ctx context.Context, accountID string, now time.Time) (ledger.Balance, int64, error)
	Accounts(ctx context.Context, since time.Time) ([]string, error)
}

// putScript writes balance, held and version unless the cached version is
// newer. Returns 1 when written, 0 when skipped.
//
// KEYS[1] = balance key, KEYS[2] = held key, KEYS[3] = version key
// ARGV[1] = available, ARGV[2] = held, ARGV[3] = version
var putScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[3]) or '-1')
local version = tonumber(ARGV[3])
if version < current then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2])
redis.call('SET', KEYS[3], ARGV[3])
return 1
`)

// Syncer copies balances from the ledger into Redis.
type Syncer struct {
	redis   *redis.Client
	source  Source
	clock   clock.Clock
	log     zerolog.Logger
	metrics *metrics.Metrics
	stopCh  chan struct{}
}

// NewSyncer creates a new Syncer instance.
func NewSyncer(rdb *redis.Client, source Source, logger zerolog.Logger, m *metrics.Metrics) *Syncer {
	return &Syncer{
		redis:   rdb,
		source:  source,
		clock:   clock.NewSystem(),
		log:     logger.With().Str("component", "syncer").Logger(),
		metrics: m,
		stopCh:  make(chan struct{}),
	}
}

// BalanceKey is the Redis key holding an account's available credits.
func BalanceKey(accountID string) string {
	return fmt.Sprintf("account:balance:%s", accountID)
}

// HeldKey is the Redis key holding an account's held credits.
func HeldKey(accountID string) string {
	return fmt.Sprintf("account:held:%s", accountID)
}

// VersionKey is the Redis key holding the version of the cached balance.
func VersionKey(accountID string) string {
	return fmt.Sprintf("account:version:%s", accountID)
}

// InitializeRedis performs a full sync of every account balance.
//
// Call it on startup before serving balance reads. Reads that miss the
// cache still fall back to PostgreSQL, so a failure here is not fatal.
func (s *Syncer) InitializeRedis(ctx context.Context) error {
	start := time.Now()
	s.log.Info().Msg("starting full redis initialization from postgresql")

	count, err := s.syncSince(ctx, time.Time{})
	if err != nil {
		return fmt.Errorf("full sync failed: %w", err)
	}

	s.log.Info().
		Int("account_count", count).
		Dur("duration", time.Since(start)).
		Msg("redis initialization complete")
	return nil
}

// StartPeriodicSync starts a background goroutine that refreshes accounts
// with activity in the last hour.
func (s *Syncer) StartPeriodicSync(interval time.Duration) {
	if interval == 0 {
		interval = DefaultInterval
	}

	s.log.Info().
		Dur("interval", interval).
		Msg("starting periodic sync")

	ticker := time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				start := time.Now()
				count, err := s.syncSince(ctx, s.clock.Now().Add(-recentWindow))
				if err != nil {
					s.log.Error().Err(err).Msg("periodic sync failed")
				} else {
					s.log.Debug().
						Int("synced_accounts", count).
						Dur("duration", time.Since(start)).
						Msg("incremental sync complete")
				}
				cancel()

			case <-s.stopCh:
				ticker.Stop()
				s.log.Info().Msg("periodic sync stopped")
				return
			}
		}
	}()
}

// syncSince writes the balance of every account active since the given
// instant, pipelining the writes in batches.
func (s *Syncer) syncSince(ctx context.Context, since time.Time) (int, error) {
	accounts, err := s.source.Accounts(ctx, since)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	pipe := s.redis.Pipeline()
	count := 0

	for _, id := range accounts {
		b, version, err := s.source.VersionedBalance(ctx, id, now)
		if err != nil {
			s.log.Error().Err(err).Str("account_id", id).Msg("failed to read balance")
			continue
		}
		// EVALSHA cannot fall back to EVAL inside a pipeline.
		putScript.Eval(ctx, pipe, balanceKeys(id), b.Available, b.Held, version)
		count++

		if count%pipelineBatch == 0 {
			if _, err := pipe.Exec(ctx); err != nil {
				return count, fmt.Errorf("pipeline exec failed at count %d: %w", count, err)
			}
			pipe = s.redis.Pipeline()
		}
	}

	if count%pipelineBatch != 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return count, fmt.Errorf("final pipeline exec failed: %w", err)
		}
	}
	return count, nil
}

// SyncAccount refreshes one account's cached balance.
func (s *Syncer) SyncAccount(ctx context.Context, accountID string) error {
	b, version, err := s.source.VersionedBalance(ctx, accountID, s.clock.Now())
	if err != nil {
		return fmt.Errorf("read balance: %w", err)
	}
	written, err := s.Put(ctx, b, version)
	if err != nil {
		return err
	}

	s.log.Debug().
		Str("account_id", accountID).
		Int64("available", b.Available).
		Int64("held", b.Held).
		Int64("version", version).
		Bool("written", written).
		Msg("account balance synced")
	return nil
}

// Put writes a balance read at the given version. It reports false without
// writing when the cache already holds a newer version.
func (s *Syncer) Put(ctx context.Context, b ledger.Balance, version int64) (bool, error) {
	n, err := putScript.Run(ctx, s.redis, balanceKeys(b.AccountID), b.Available, b.Held, version).Int()
	if err != nil {
		return false, fmt.Errorf("redis set failed: %w", err)
	}
	return n == 1, nil
}

// GetBalance reads a cached balance. ok is false on a cache miss.
func (s *Syncer) GetBalance(ctx context.Context, accountID string) (ledger.Balance, bool, error) {
	vals, err := s.redis.MGet(ctx, BalanceKey(accountID), HeldKey(accountID)).Result()
	if err != nil {
		s.metrics.CacheLookup("error")
		return ledger.Balance{}, false, fmt.Errorf("redis get failed: %w", err)
	}

	available, okA := parseInt(vals[0])
	held, okH := parseInt(vals[1])
	if !okA || !okH {
		s.metrics.CacheLookup("miss")
		return ledger.Balance{}, false, nil
	}

	s.metrics.CacheLookup("hit")
	return ledger.Balance{AccountID: accountID, Available: available, Held: held}, true, nil
}

// VerifyIntegrity compares a random sample of accounts between Redis and the
// ledger and repairs any mismatch. It returns the number of discrepancies.
func (s *Syncer) VerifyIntegrity(ctx context.Context, sampleSize int) (int, error) {
	accounts, err := s.source.Accounts(ctx, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("list accounts: %w", err)
	}
	if sampleSize > 0 && len(accounts) > sampleSize {
		rand.Shuffle(len(accounts), func(i, j int) { accounts[i], accounts[j] = accounts[j], accounts[i] })
		accounts = accounts[:sampleSize]
	}

	now := s.clock.Now()
	discrepancies := 0

	for _, id := range accounts {
		want, version, err := s.source.VersionedBalance(ctx, id, now)
		if err != nil {
			continue
		}

		got, ok, err := s.GetBalance(ctx, id)
		if err != nil {
			continue
		}
		if !ok {
			s.log.Warn().
				Str("account_id", id).
				Msg("account missing in redis")
		} else if got.Available != want.Available || got.Held != want.Held {
			s.log.Warn().
				Str("account_id", id).
				Int64("redis_available", got.Available).
				Int64("postgres_available", want.Available).
				Int64("redis_held", got.Held).
				Int64("postgres_held", want.Held).
				Msg("balance mismatch detected")
		} else {
			continue
		}
		discrepancies++

		if _, err := s.Put(ctx, want, version); err != nil {
			s.log.Error().Err(err).Str("account_id", id).Msg("failed to sync account")
		}
	}

	return discrepancies, nil
}

// Stop stops the periodic sync goroutine.
func (s *Syncer) Stop() {
	close(s.stopCh)
}

func balanceKeys(accountID string) []string {
	return []string{BalanceKey(accountID), HeldKey(accountID), VersionKey(accountID)}
}

func parseInt(v any) (int64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}
