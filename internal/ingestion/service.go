// Package ingestion streams Sync logs for the watched pools over a WebSocket subscription.
package ingestion

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"arbwatcher/internal/metrics"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

const (
	initialBackoff     = 1 * time.Second
	maxBackoff         = 30 * time.Second
	unsubscribeTimeout = 2 * time.Second
)

// SyncHandler receives decoded reserve updates. Calls are made from a single goroutine in
// the order the node delivered the logs.
type SyncHandler interface {
	HandleSync(ctx context.Context, ev *SyncEvent)
}

// Service handles event ingestion from the blockchain.
type Service struct {
	wsURL   string
	decoder *Decoder
	handler SyncHandler
	metrics *metrics.Metrics

	trackedPools map[string]struct{}

	// Logs redelivered after a resubscribe are dropped by (tx hash, log index).
	seen *lru.Cache[string, struct{}]

	lastBlockNumber atomic.Uint64

	// backoff maps a consecutive failure count to the wait before the next dial.
	backoff func(attempt int) time.Duration
}

// NewService creates an ingestion service for the given pool addresses.
func NewService(wsURL string, pools []string, handler SyncHandler, dedupeSize int, m *metrics.Metrics) (*Service, error) {
	if dedupeSize <= 0 {
		dedupeSize = 1024
	}
	seen, err := lru.New[string, struct{}](dedupeSize)
	if err != nil {
		return nil, fmt.Errorf("creating dedupe cache: %w", err)
	}

	tracked := make(map[string]struct{}, len(pools))
	for _, addr := range pools {
		tracked[strings.ToLower(addr)] = struct{}{}
	}

	if m != nil {
		m.SetPoolsTracked(len(tracked))
	}

	return &Service{
		wsURL:        wsURL,
		decoder:      NewDecoder(),
		handler:      handler,
		metrics:      m,
		trackedPools: tracked,
		seen:         seen,
		backoff:      calculateBackoff,
	}, nil
}

// IsTracked returns true if the pool is being tracked.
func (s *Service) IsTracked(address string) bool {
	_, exists := s.trackedPools[strings.ToLower(address)]
	return exists
}

// TrackedPoolCount returns the number of tracked pools.
func (s *Service) TrackedPoolCount() int {
	return len(s.trackedPools)
}

// Run streams Sync logs until ctx is cancelled, redialling after every failure. The node
// being unreachable never ends Run; failures back off up to maxBackoff and the counter
// resets after every session that subscribed successfully.
func (s *Service) Run(ctx context.Context) error {
	attempt := 0
	for {
		if attempt > 0 {
			backoff := s.backoff(attempt)
			log.Info().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Uint64("last_block", s.LastBlockNumber()).
				Msg("Reconnecting to WebSocket")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		subscribed, err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		log.Error().Err(err).Int("attempt", attempt+1).Msg("WebSocket session failed")
		if s.metrics != nil {
			s.metrics.SetWebSocketConnected(false)
		}

		if subscribed {
			attempt = 1
		} else {
			attempt++
		}
	}
}

// runOnce runs one session. subscribed reports whether the node confirmed the subscription.
func (s *Service) runOnce(ctx context.Context) (subscribed bool, err error) {
	sess, err := dialSession(ctx, s.wsURL)
	if err != nil {
		return false, err
	}
	defer sess.close()

	log.Info().Str("url", s.wsURL).Msg("WebSocket connected")
	if s.metrics != nil {
		s.metrics.SetWebSocketConnected(true)
	}

	if err := sess.subscribeSync(s.trackedAddresses()); err != nil {
		return false, err
	}

	go sess.pingLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- sess.readLoop(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			unsubscribe(sess)
			return sess.subscription() != "", ctx.Err()

		case err := <-errCh:
			return sess.subscription() != "", err

		case entry := <-sess.logs:
			s.processLog(ctx, entry)
		}
	}
}

func (s *Service) trackedAddresses() []string {
	addresses := make([]string, 0, len(s.trackedPools))
	for addr := range s.trackedPools {
		addresses = append(addresses, addr)
	}
	return addresses
}

func unsubscribe(sess *session) {
	done := make(chan error, 1)
	go func() { done <- sess.unsubscribe() }()

	select {
	case err := <-done:
		if err != nil {
			log.Debug().Err(err).Msg("Failed to unsubscribe")
		}
	case <-time.After(unsubscribeTimeout):
		log.Debug().Msg("Unsubscribe timed out")
	}
}

// processLog filters out reorged and non-Sync logs.
func (s *Service) processLog(ctx context.Context, logEntry *LogEntry) {
	if logEntry.Removed {
		log.Debug().
			Str("tx", logEntry.TransactionHash).
			Msg("Skipping removed log")
		return
	}

	if IsSyncEvent(logEntry) {
		s.processSyncEvent(ctx, logEntry)
	}
}

// processSyncEvent decodes a Sync event and hands it to the handler.
func (s *Service) processSyncEvent(ctx context.Context, logEntry *LogEntry) {
	if !s.IsTracked(logEntry.Address) {
		return
	}

	event, err := s.decoder.DecodeSyncEvent(logEntry)
	if err != nil {
		log.Warn().Err(err).Str("pool", logEntry.Address).Msg("Failed to decode Sync event")
		return
	}

	if event.TxHash != "" {
		if ok, _ := s.seen.ContainsOrAdd(event.Key(), struct{}{}); ok {
			if s.metrics != nil {
				s.metrics.RecordDuplicateEvent()
			}
			log.Debug().Str("pool", event.PoolAddress).Str("key", event.Key()).Msg("Skipping duplicate Sync event")
			return
		}
	}

	if s.metrics != nil {
		s.metrics.RecordEventReceived(event.PoolAddress)
	}

	if event.BlockNumber > s.lastBlockNumber.Load() {
		s.lastBlockNumber.Store(event.BlockNumber)
		if s.metrics != nil {
			s.metrics.SetLastBlockSeen(event.BlockNumber)
		}
	}

	log.Trace().
		Str("pool", event.PoolAddress).
		Uint64("block", event.BlockNumber).
		Str("reserve0", event.Reserve0.String()).
		Str("reserve1", event.Reserve1.String()).
		Msg("Processed Sync event")

	s.handler.HandleSync(ctx, event)

	if s.metrics != nil {
		s.metrics.RecordEventLatency(event.Timestamp)
	}
}

// LastBlockNumber returns the last block number seen.
func (s *Service) LastBlockNumber() uint64 {
	return s.lastBlockNumber.Load()
}

func calculateBackoff(attempt int) time.Duration {
	// The cap is reached by attempt 5; larger shifts would overflow.
	if attempt > 5 {
		return maxBackoff
	}
	backoff := initialBackoff * (1 << uint(attempt))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}
