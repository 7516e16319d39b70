package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/signalpoll/pkg/auth"
	"github.com/haasonsaas/signalpoll/pkg/compression"
	"github.com/haasonsaas/signalpoll/pkg/config"
	"github.com/haasonsaas/signalpoll/pkg/envelope"
	"github.com/haasonsaas/signalpoll/pkg/poll"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

const (
	maxResponseBytes = 32 << 20
	defaultInterval  = 30 * time.Second
	tracerName       = "github.com/haasonsaas/signalpoll/agent"
)

var (
	errUnauthorized = errors.New("server rejected device credentials")
	errUnavailable  = errors.New("server temporarily unavailable")
)

// ItemHandler consumes decrypted items. Items it returns an error for are
// not acknowledged and will be delivered again.
type ItemHandler func(ctx context.Context, item poll.Item) error

// Agent polls the server on the interval the server suggests.
type Agent struct {
	config     *config.AgentConfig
	creds      *auth.Credentials
	sealer     *envelope.Sealer
	negotiator *compression.Negotiator
	client     *http.Client
	retrier    *retrier
	handle     ItemHandler
	logger     zerolog.Logger

	etag     string
	interval time.Duration
}

// pollOutcome is the result of one poll round trip.
type pollOutcome struct {
	NotModified bool
	Items       []poll.Item
	Interval    time.Duration
	ETag        string
}

func newAgent(cfg *config.AgentConfig, creds *auth.Credentials, sealer *envelope.Sealer, negotiator *compression.Negotiator, handle ItemHandler, logger zerolog.Logger) *Agent {
	return &Agent{
		config:     cfg,
		creds:      creds,
		sealer:     sealer,
		negotiator: negotiator,
		client: &http.Client{
			Timeout: time.Duration(cfg.Server.RequestTimeout) * time.Second,
		},
		retrier:  newRetrier(cfg.Server.RetryInitialMs, cfg.Server.RetryMaxMs, cfg.Server.RetryMaxRetries, logger),
		handle:   handle,
		logger:   logger.With().Str("device_id", creds.DeviceID).Logger(),
		interval: defaultInterval,
	}
}

// run polls until ctx is cancelled.
func (a *Agent) run(ctx context.Context) error {
	for {
		wait := a.cycle(ctx)
		a.logger.Debug().Dur("next_poll", wait).Msg("Sleeping until next poll")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// cycle performs one poll, hands items over and acknowledges them. It returns
// how long to wait before the next poll.
func (a *Agent) cycle(ctx context.Context) time.Duration {
	out, err := a.pollOnce(ctx)
	switch {
	case errors.Is(err, errUnauthorized):
		a.logger.Error().Msg("Device credentials rejected; the device may be revoked")
		return a.maxInterval()
	case err != nil:
		a.logger.Error().Err(err).Msg("Poll failed")
		return a.capInterval(a.interval)
	}

	if out.NotModified {
		a.logger.Debug().Str("etag", out.ETag).Msg("No changes since last poll")
		return out.Interval
	}
	a.logger.Info().Int("count", len(out.Items)).Msg("Received items")

	delivered := make([]string, 0, len(out.Items))
	for _, item := range out.Items {
		if err := a.handle(ctx, item); err != nil {
			a.logger.Warn().Err(err).Str("item_id", item.ID).Msg("Item handler failed")
			continue
		}
		delivered = append(delivered, item.ID)
	}
	complete := len(delivered) == len(out.Items)
	if a.config.Polling.Acknowledge && len(delivered) > 0 {
		n, err := a.acknowledge(ctx, delivered)
		if err != nil {
			a.logger.Error().Err(err).Msg("Acknowledge failed")
			complete = false
		} else {
			a.logger.Info().Int64("acknowledged", n).Msg("Items acknowledged")
		}
	}

	// The ETag is only kept once the whole batch is handled. Otherwise the
	// next poll would get a 304 and the failed items would never come back.
	if complete {
		a.etag = out.ETag
	} else {
		a.etag = ""
	}
	return out.Interval
}

// pollOnce fetches, decompresses and decrypts one batch.
func (a *Agent) pollOnce(ctx context.Context) (*pollOutcome, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "agent.poll")
	defer span.End()

	var out *pollOutcome
	err := a.retrier.do(ctx, func() error {
		var err error
		out, err = a.fetch(ctx)
		return err
	}, isRetryableHTTP)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.Bool("poll.not_modified", out.NotModified),
		attribute.Int("poll.count", len(out.Items)),
	)

	a.interval = out.Interval
	return out, nil
}

func (a *Agent) fetch(ctx context.Context) (*pollOutcome, error) {
	q := url.Values{}
	q.Set("batch_size", strconv.Itoa(a.config.Polling.BatchSize))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint("/v1/poll")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(auth.HeaderDeviceToken, a.creds.Token)
	if a.config.Polling.AcceptEncoding != "" {
		req.Header.Set("Accept-Encoding", a.config.Polling.AcceptEncoding)
	}
	if a.etag != "" {
		req.Header.Set("If-None-Match", a.etag)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if isRetryableStatus(resp) {
		if resp.StatusCode == http.StatusServiceUnavailable {
			return nil, fmt.Errorf("%w: %w", errUnavailable, newRetryableStatusError(resp))
		}
		return nil, newRetryableStatusError(resp)
	}

	out := &pollOutcome{
		Interval: a.parseInterval(resp.Header.Get("X-Poll-Interval")),
		ETag:     resp.Header.Get("ETag"),
	}
	switch resp.StatusCode {
	case http.StatusNotModified:
		out.NotModified = true
		return out, nil
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, errUnauthorized
	default:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("poll failed: %d %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read poll body: %w", err)
	}
	items, err := a.open(ctx, resp.Header.Get("Content-Encoding"), raw)
	if err != nil {
		return nil, err
	}
	out.Items = items
	return out, nil
}

// open reverses the server pipeline: decompress, parse the body, decrypt.
func (a *Agent) open(ctx context.Context, contentEncoding string, raw []byte) ([]poll.Item, error) {
	plain, err := a.negotiator.Lookup(contentEncoding).Decompress(raw)
	if err != nil {
		return nil, fmt.Errorf("decompress %s body: %w", contentEncoding, err)
	}
	var body poll.Body
	if err := json.Unmarshal(plain, &body); err != nil {
		return nil, fmt.Errorf("parse poll body: %w", err)
	}
	if body.Version != poll.EnvelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version %d", body.Version)
	}
	sealed := &envelope.Envelope{Ciphertext: body.Ciphertext, Nonce: body.Nonce, AAD: a.creds.DeviceID}
	var items []poll.Item
	if err := a.sealer.Decrypt(ctx, a.creds.DeviceID, sealed, &items); err != nil {
		return nil, fmt.Errorf("decrypt poll body: %w", err)
	}
	if len(items) != body.Count {
		return nil, fmt.Errorf("poll body count %d does not match %d items", body.Count, len(items))
	}
	return items, nil
}

// acknowledge reports delivered ids in an envelope sealed with the device key.
func (a *Agent) acknowledge(ctx context.Context, ids []string) (int64, error) {
	sealed, err := a.sealer.Encrypt(ctx, a.creds.DeviceID, map[string][]string{"item_ids": ids})
	if err != nil {
		return 0, err
	}
	data, err := json.Marshal(sealed)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint("/v1/poll/ack"), bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderDeviceToken, a.creds.Token)

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return 0, errUnauthorized
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("ack failed: %d %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		Acknowledged int64 `json:"acknowledged"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.Acknowledged, nil
}

// parseInterval reads X-Poll-Interval. A missing or garbled header keeps the
// previous interval.
func (a *Agent) parseInterval(raw string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || secs <= 0 {
		return a.capInterval(a.interval)
	}
	return a.capInterval(time.Duration(secs) * time.Second)
}

func (a *Agent) capInterval(d time.Duration) time.Duration {
	if limit := a.maxInterval(); d > limit {
		return limit
	}
	return d
}

func (a *Agent) maxInterval() time.Duration {
	return time.Duration(a.config.Polling.MaxIntervalS) * time.Second
}

func (a *Agent) endpoint(path string) string {
	base := strings.TrimRight(a.config.Server.URL, "/")
	return base + path
}
