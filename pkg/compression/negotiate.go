package compression

import (
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// DefaultMinSize is the smallest body worth compressing.
const DefaultMinSize = 256

// Preference is one entry of a parsed Accept-Encoding header.
type Preference struct {
	Coding string
	Q      float64
}

// ParseAcceptEncoding returns acceptable codings ordered by q-value, ties
// kept in client order. Codings with q=0 are dropped; malformed q-values
// count as 1.
func ParseAcceptEncoding(header string) []Preference {
	var prefs []Preference
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		coding, params, _ := strings.Cut(part, ";")
		coding = strings.ToLower(strings.TrimSpace(coding))
		q := 1.0
		for _, param := range strings.Split(params, ";") {
			name, value, ok := strings.Cut(strings.TrimSpace(param), "=")
			if !ok || strings.TrimSpace(strings.ToLower(name)) != "q" {
				continue
			}
			if parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil && parsed >= 0 && parsed <= 1 {
				q = parsed
			}
		}
		if q == 0 {
			continue
		}
		prefs = append(prefs, Preference{Coding: coding, Q: q})
	}
	sort.SliceStable(prefs, func(i, j int) bool { return prefs[i].Q > prefs[j].Q })
	return prefs
}

// Result is the outcome of compressing one body.
type Result struct {
	Codec Codec
	Body  []byte
	// Ratio is compressed/original size. Informational only.
	Ratio float64
}

// Negotiator picks a codec from the client's preferences and the server's
// supported set.
type Negotiator struct {
	codecs  map[string]Codec
	order   []string
	minSize int
	logger  zerolog.Logger
}

// NewNegotiator registers codecs in server preference order, which is also
// how "*" expands. Identity is always available.
func NewNegotiator(minSize int, logger zerolog.Logger, codecs ...Codec) *Negotiator {
	if minSize <= 0 {
		minSize = DefaultMinSize
	}
	n := &Negotiator{
		codecs:  map[string]Codec{NameIdentity: Identity},
		minSize: minSize,
		logger:  logger.With().Str("component", "compression").Logger(),
	}
	for _, c := range codecs {
		if c == nil || c.Name() == NameIdentity {
			continue
		}
		n.codecs[c.Name()] = c
		n.order = append(n.order, c.Name())
	}
	return n
}

// NewDefaultNegotiator supports zstd, br and gzip, preferred in that order.
func NewDefaultNegotiator(minSize int, logger zerolog.Logger) (*Negotiator, error) {
	z, err := NewZstd()
	if err != nil {
		return nil, err
	}
	return NewNegotiator(minSize, logger, z, NewBrotli(0), NewGzip(0)), nil
}

// Negotiate returns the codec to use for a body of the given size. It never
// fails: anything it cannot satisfy falls back to identity.
func (n *Negotiator) Negotiate(acceptEncoding string, size int) Codec {
	if size < n.minSize {
		return Identity
	}
	for _, pref := range ParseAcceptEncoding(acceptEncoding) {
		if pref.Coding == "*" {
			if len(n.order) > 0 {
				return n.codecs[n.order[0]]
			}
			continue
		}
		if codec, ok := n.codecs[pref.Coding]; ok {
			return codec
		}
	}
	return Identity
}

// Lookup returns the codec registered under a content-coding token. Unknown
// tokens resolve to identity.
func (n *Negotiator) Lookup(name string) Codec {
	name = strings.ToLower(strings.TrimSpace(name))
	if codec, ok := n.codecs[name]; ok {
		return codec
	}
	return Identity
}

// Apply negotiates and compresses body. A codec failure, or output that is
// not smaller than the input, degrades to identity.
func (n *Negotiator) Apply(acceptEncoding string, body []byte) Result {
	codec := n.Negotiate(acceptEncoding, len(body))
	if codec.Name() == NameIdentity {
		return identityResult(body)
	}
	compressed, err := codec.Compress(body)
	if err != nil {
		n.logger.Warn().Err(err).Str("codec", codec.Name()).Msg("compression failed, sending identity")
		return identityResult(body)
	}
	if len(compressed) >= len(body) {
		n.logger.Debug().Str("codec", codec.Name()).Int("size", len(body)).Int("compressed", len(compressed)).
			Msg("body incompressible, sending identity")
		return identityResult(body)
	}
	return Result{Codec: codec, Body: compressed, Ratio: Ratio(len(body), len(compressed))}
}

func identityResult(body []byte) Result {
	return Result{Codec: Identity, Body: body, Ratio: 1}
}

// Ratio reports compressed/original, 1 for empty input.
func Ratio(original, compressed int) float64 {
	if original == 0 {
		return 1
	}
	return float64(compressed) / float64(original)
}
