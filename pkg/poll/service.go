// Package poll orchestrates one device poll: revocation check, pending item
// fetch, backoff accounting, conditional short-circuit, encryption and
// compression. It is independent of the HTTP framework.
package poll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/haasonsaas/signalpoll/pkg/backoff"
	"github.com/haasonsaas/signalpoll/pkg/compression"
	"github.com/haasonsaas/signalpoll/pkg/envelope"
	"github.com/haasonsaas/signalpoll/pkg/etag"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// EnvelopeVersion is the body format served by this package.
const EnvelopeVersion = 2

const (
	MinBatchSize     = 1
	MaxBatchSize     = 500
	DefaultBatchSize = 100
)

const tracerName = "github.com/haasonsaas/signalpoll/pkg/poll"

var (
	ErrInvalidBatchSize = errors.New("batch_size must be an integer between 1 and 500")
	ErrInvalidCondition = errors.New("malformed If-None-Match header")
)

// Item is one opaque pending business object.
type Item struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// ItemSource supplies pending items for a device in delivery order.
type ItemSource interface {
	Pending(ctx context.Context, deviceID string, limit int) ([]Item, error)
}

// RevocationChecker rejects devices whose keys were revoked.
type RevocationChecker interface {
	CheckRevoked(ctx context.Context, deviceID string) error
}

// Request is a poll that already passed authentication.
type Request struct {
	DeviceID       string
	BatchSize      int
	IfNoneMatch    string
	AcceptEncoding string
}

// Body is the JSON document returned on a fresh poll.
type Body struct {
	Version          int     `json:"version"`
	Count            int     `json:"count"`
	Ciphertext       string  `json:"ciphertext"`
	Nonce            string  `json:"nonce"`
	CompressionRatio float64 `json:"compression_ratio"`
}

// Result is what the transport writes back. NotModified results carry no
// body.
type Result struct {
	NotModified      bool
	ETag             etag.Tag
	IntervalSeconds  int
	Count            int
	ContentEncoding  string
	CompressionRatio float64
	Body             []byte
}

type Service struct {
	items       ItemSource
	revocations RevocationChecker
	sealer      *envelope.Sealer
	negotiator  *compression.Negotiator
	backoff     *backoff.Controller
	logger      zerolog.Logger
	maxBatch    int
}

type Config struct {
	Items       ItemSource
	Revocations RevocationChecker
	Sealer      *envelope.Sealer
	Negotiator  *compression.Negotiator
	Backoff     *backoff.Controller
	Logger      zerolog.Logger
	// MaxBatchSize may lower the ceiling below MaxBatchSize.
	MaxBatchSize int
}

func NewService(cfg Config) *Service {
	maxBatch := cfg.MaxBatchSize
	if maxBatch <= 0 || maxBatch > MaxBatchSize {
		maxBatch = MaxBatchSize
	}
	return &Service{
		items:       cfg.Items,
		revocations: cfg.Revocations,
		sealer:      cfg.Sealer,
		negotiator:  cfg.Negotiator,
		backoff:     cfg.Backoff,
		logger:      cfg.Logger.With().Str("component", "poll").Logger(),
		maxBatch:    maxBatch,
	}
}

// ParseBatchSize validates the batch_size query value; empty means the
// default.
func ParseBatchSize(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultBatchSize, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < MinBatchSize || n > MaxBatchSize {
		return 0, ErrInvalidBatchSize
	}
	return n, nil
}

// Poll runs one request through the pipeline. History is written only after
// the result is fully composed, so an abandoned request commits nothing.
func (s *Service) Poll(ctx context.Context, req Request) (*Result, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "poll", trace.WithAttributes(
		attribute.String("device.id", req.DeviceID),
		attribute.Int("poll.batch_size", req.BatchSize),
	))
	defer span.End()

	res, hadResults, err := s.poll(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Bool("poll.not_modified", res.NotModified),
		attribute.Int("poll.count", res.Count),
		attribute.Int("poll.interval_s", res.IntervalSeconds),
	)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	s.backoff.RecordAsync(req.DeviceID, hadResults)
	return res, nil
}

func (s *Service) poll(ctx context.Context, req Request) (*Result, bool, error) {
	if req.BatchSize < MinBatchSize || req.BatchSize > s.maxBatch {
		return nil, false, ErrInvalidBatchSize
	}
	cond, err := etag.ParseIfNoneMatch(req.IfNoneMatch)
	if err != nil {
		return nil, false, ErrInvalidCondition
	}

	if err := s.revocations.CheckRevoked(ctx, req.DeviceID); err != nil {
		return nil, false, err
	}

	items, err := s.fetch(ctx, req)
	if err != nil {
		return nil, false, err
	}
	hadResults := len(items) > 0

	// Scheduling is answered on every path, cache hits included.
	interval := s.backoff.Suggest(ctx, req.DeviceID, hadResults)

	logical, err := Canonical(items)
	if err != nil {
		return nil, false, fmt.Errorf("serialize items: %w", err)
	}
	tag := etag.Compute(logical)

	if etag.ShouldShortCircuit(cond, tag) {
		return &Result{
			NotModified:     true,
			ETag:            tag,
			IntervalSeconds: interval,
			Count:           len(items),
		}, hadResults, nil
	}

	env, err := s.seal(ctx, req.DeviceID, logical)
	if err != nil {
		return nil, false, err
	}

	body, err := s.compose(ctx, req.AcceptEncoding, len(items), env)
	if err != nil {
		return nil, false, err
	}

	return &Result{
		ETag:             tag,
		IntervalSeconds:  interval,
		Count:            len(items),
		ContentEncoding:  body.Codec.Name(),
		CompressionRatio: body.Ratio,
		Body:             body.Body,
	}, hadResults, nil
}

func (s *Service) fetch(ctx context.Context, req Request) ([]Item, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "poll.fetch")
	defer span.End()
	items, err := s.items.Pending(ctx, req.DeviceID, req.BatchSize)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("fetch pending items: %w", err)
	}
	if len(items) > req.BatchSize {
		items = items[:req.BatchSize]
	}
	return items, nil
}

func (s *Service) seal(ctx context.Context, deviceID string, logical []byte) (*envelope.Envelope, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "poll.encrypt")
	defer span.End()
	env, err := s.sealer.Seal(ctx, deviceID, logical)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return env, nil
}

// compose builds the body and compresses it. The reported ratio is the one
// achieved on the document before the ratio field was filled in; the field
// itself adds a handful of bytes.
func (s *Service) compose(ctx context.Context, acceptEncoding string, count int, env *envelope.Envelope) (compression.Result, error) {
	_, span := otel.Tracer(tracerName).Start(ctx, "poll.compress")
	defer span.End()

	doc := Body{
		Version:          EnvelopeVersion,
		Count:            count,
		Ciphertext:       env.Ciphertext,
		Nonce:            env.Nonce,
		CompressionRatio: 1,
	}
	draft, err := json.Marshal(doc)
	if err != nil {
		return compression.Result{}, fmt.Errorf("marshal body: %w", err)
	}
	measured := s.negotiator.Apply(acceptEncoding, draft)
	if measured.Codec.Name() == compression.NameIdentity {
		span.SetAttributes(attribute.String("compression.codec", compression.NameIdentity))
		return measured, nil
	}

	doc.CompressionRatio = roundRatio(measured.Ratio)
	final, err := json.Marshal(doc)
	if err != nil {
		return compression.Result{}, fmt.Errorf("marshal body: %w", err)
	}
	out, err := measured.Codec.Compress(final)
	if err != nil {
		s.logger.Warn().Err(err).Str("codec", measured.Codec.Name()).Msg("compression failed, sending identity")
		return compression.Result{Codec: compression.Identity, Body: draft, Ratio: 1}, nil
	}
	if len(out) >= len(draft) {
		return compression.Result{Codec: compression.Identity, Body: draft, Ratio: 1}, nil
	}
	span.SetAttributes(
		attribute.String("compression.codec", measured.Codec.Name()),
		attribute.Float64("compression.ratio", doc.CompressionRatio),
	)
	return compression.Result{Codec: measured.Codec, Body: out, Ratio: doc.CompressionRatio}, nil
}

func roundRatio(r float64) float64 {
	return float64(int64(r*10000+0.5)) / 10000
}

// Canonical is the logical payload: the items as a JSON array in source order.
// It is both the ETag input and the plaintext that gets encrypted.
func Canonical(items []Item) ([]byte, error) {
	if items == nil {
		items = []Item{}
	}
	return json.Marshal(items)
}
