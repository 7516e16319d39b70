package compression

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestNegotiator(t *testing.T) *Negotiator {
	t.Helper()
	n, err := NewDefaultNegotiator(DefaultMinSize, zerolog.Nop())
	require.NoError(t, err)
	return n
}

func TestParseAcceptEncoding(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   []string
	}{
		{name: "empty", header: "", want: nil},
		{name: "client order", header: "gzip, br, zstd", want: []string{"gzip", "br", "zstd"}},
		{name: "q ordering", header: "gzip;q=0.5, br;q=0.9, zstd", want: []string{"zstd", "br", "gzip"}},
		{name: "q zero dropped", header: "gzip;q=0, br", want: []string{"br"}},
		{name: "case and spaces", header: " GZip ; Q=0.8 ,Identity", want: []string{"identity", "gzip"}},
		{name: "bad q treated as 1", header: "br;q=abc, gzip;q=0.1", want: []string{"br", "gzip"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, p := range ParseAcceptEncoding(tt.header) {
				got = append(got, p.Coding)
			}
			require.Equal(t, tt.want, got)
		})
	}
}

func TestNegotiate(t *testing.T) {
	n := newTestNegotiator(t)

	tests := []struct {
		name   string
		header string
		size   int
		want   string
	}{
		{name: "first supported wins", header: "gzip, br, zstd", size: 1024, want: NameGzip},
		{name: "unknown skipped", header: "compress, br", size: 1024, want: NameBrotli},
		{name: "wildcard uses server order", header: "*", size: 1024, want: NameZstd},
		{name: "identity only", header: "identity", size: 1024, want: NameIdentity},
		{name: "nothing supported", header: "compress, deflate", size: 1024, want: NameIdentity},
		{name: "empty header", header: "", size: 1024, want: NameIdentity},
		{name: "below threshold", header: "gzip", size: DefaultMinSize - 1, want: NameIdentity},
		{name: "at threshold", header: "gzip", size: DefaultMinSize, want: NameGzip},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, n.Negotiate(tt.header, tt.size).Name())
		})
	}
}

func TestCodecsRoundTrip(t *testing.T) {
	n := newTestNegotiator(t)
	body := bytes.Repeat([]byte(`{"symbol":"EURUSD","side":"buy","lots":0.10}`), 64)

	for _, name := range []string{NameIdentity, NameGzip, NameBrotli, NameZstd} {
		t.Run(name, func(t *testing.T) {
			codec := n.Lookup(name)
			require.Equal(t, name, codec.Name())

			compressed, err := codec.Compress(body)
			require.NoError(t, err)
			if name != NameIdentity {
				require.Less(t, len(compressed), len(body))
			}

			again, err := codec.Compress(body)
			require.NoError(t, err)
			require.Equal(t, compressed, again, "compression must be deterministic")

			out, err := codec.Decompress(compressed)
			require.NoError(t, err)
			require.Equal(t, body, out)
		})
	}
}

func TestLookupUnknownFallsBackToIdentity(t *testing.T) {
	n := newTestNegotiator(t)
	require.Equal(t, NameIdentity, n.Lookup("lzma").Name())
	require.Equal(t, NameGzip, n.Lookup(" GZIP ").Name())
}

func TestApplyReportsRatio(t *testing.T) {
	n := newTestNegotiator(t)
	body := bytes.Repeat([]byte("a"), 4096)

	res := n.Apply("zstd", body)
	require.Equal(t, NameZstd, res.Codec.Name())
	require.Less(t, res.Ratio, 1.0)
	require.InDelta(t, float64(len(res.Body))/float64(len(body)), res.Ratio, 1e-9)

	res = n.Apply("identity", body)
	require.Equal(t, NameIdentity, res.Codec.Name())
	require.Equal(t, 1.0, res.Ratio)
	require.Equal(t, body, res.Body)
}

type failingCodec struct{}

func (failingCodec) Name() string                      { return "gzip" }
func (failingCodec) Compress([]byte) ([]byte, error)   { return nil, errors.New("boom") }
func (failingCodec) Decompress([]byte) ([]byte, error) { return nil, errors.New("boom") }

func TestApplyDegradesOnCodecFailure(t *testing.T) {
	n := NewNegotiator(1, zerolog.Nop(), failingCodec{})
	body := []byte("payload")

	res := n.Apply("gzip", body)
	require.Equal(t, NameIdentity, res.Codec.Name())
	require.Equal(t, body, res.Body)
	require.Equal(t, 1.0, res.Ratio)
}

// paddingCodec always grows its input.
type paddingCodec struct{}

func (paddingCodec) Name() string                        { return "gzip" }
func (paddingCodec) Compress(b []byte) ([]byte, error)   { return append([]byte("hdr"), b...), nil }
func (paddingCodec) Decompress(b []byte) ([]byte, error) { return bytes.TrimPrefix(b, []byte("hdr")), nil }

func TestApplyKeepsIdentityWhenCodingGrowsBody(t *testing.T) {
	body := bytes.Repeat([]byte("x"), 512)
	res := NewNegotiator(1, zerolog.Nop(), paddingCodec{}).Apply("gzip", body)
	require.Equal(t, NameIdentity, res.Codec.Name())
	require.Equal(t, body, res.Body)
	require.Equal(t, 1.0, res.Ratio)

	random := make([]byte, 8192)
	_, err := rand.Read(random)
	require.NoError(t, err)
	n := newTestNegotiator(t)
	for _, coding := range []string{NameGzip, NameBrotli, NameZstd} {
		res := n.Apply(coding, random)
		require.LessOrEqual(t, len(res.Body), len(random), coding)
		require.LessOrEqual(t, res.Ratio, 1.0, coding)
		if res.Codec.Name() == NameIdentity {
			require.Equal(t, random, res.Body)
			require.Equal(t, 1.0, res.Ratio)
		}
	}
}
