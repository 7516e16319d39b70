package backoff

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultWriteTimeout = 2 * time.Second

// Controller ties the pure Policy to a HistoryStore. The store is best-effort
// throughout: an unavailable store degrades to Policy.Fallback and never
// fails a poll.
type Controller struct {
	policy       Policy
	store        HistoryStore
	logger       zerolog.Logger
	now          func() time.Time
	writeTimeout time.Duration

	inflight sync.WaitGroup
}

func NewController(policy Policy, store HistoryStore, logger zerolog.Logger) *Controller {
	return &Controller{
		policy:       policy.normalize(),
		store:        store,
		logger:       logger.With().Str("component", "backoff").Logger(),
		now:          time.Now,
		writeTimeout: defaultWriteTimeout,
	}
}

func (c *Controller) Policy() Policy { return c.policy }

// RecordPollResult appends one entry. Store failures are logged and
// swallowed.
func (c *Controller) RecordPollResult(ctx context.Context, deviceID string, hadResults bool) error {
	e := Entry{DeviceID: deviceID, Timestamp: c.now(), HadResults: hadResults}
	if err := c.store.Append(ctx, e, c.policy.Window, c.policy.HistoryTTL); err != nil {
		c.logger.Warn().Err(err).Str("device_id", deviceID).Msg("poll history write failed")
	}
	return nil
}

// RecordAsync writes the entry on a detached context so the response is never
// held up by the store. Flush waits for outstanding writes.
func (c *Controller) RecordAsync(deviceID string, hadResults bool) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
		defer cancel()
		_ = c.RecordPollResult(ctx, deviceID, hadResults)
	}()
}

// Flush blocks until every RecordAsync write has finished.
func (c *Controller) Flush() {
	c.inflight.Wait()
}

// NextIntervalSeconds derives the interval from stored history alone.
func (c *Controller) NextIntervalSeconds(ctx context.Context, deviceID string) int {
	history, err := c.History(ctx, deviceID)
	if err != nil {
		return Seconds(c.policy.Fallback)
	}
	return Seconds(c.policy.Interval(history))
}

// Suggest answers for a poll whose outcome is known but not yet stored: the
// current result is treated as the newest entry. Results found always mean
// Base, without touching the store.
func (c *Controller) Suggest(ctx context.Context, deviceID string, hadResults bool) int {
	if hadResults {
		return Seconds(c.policy.Base)
	}
	history, err := c.History(ctx, deviceID)
	if err != nil {
		return Seconds(c.policy.Fallback)
	}
	current := Entry{DeviceID: deviceID, Timestamp: c.now(), HadResults: false}
	return Seconds(c.policy.Interval(append([]Entry{current}, history...)))
}

// History returns the stored entries, newest first.
func (c *Controller) History(ctx context.Context, deviceID string) ([]Entry, error) {
	history, err := c.store.Recent(ctx, deviceID, c.policy.Window)
	if err != nil {
		c.logger.Warn().Err(err).Str("device_id", deviceID).Msg("poll history unavailable, using fallback interval")
		return nil, err
	}
	return history, nil
}
