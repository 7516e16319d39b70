// Package etag fingerprints the logical poll payload and answers
// If-None-Match. Tags are computed over the plaintext item list, never over
// ciphertext, because every encryption uses a fresh nonce.
package etag

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

const domain = "signalpoll.etag.v2\n"

var ErrMalformedCondition = errors.New("etag: malformed If-None-Match header")

// Tag is a strong entity tag for one logical payload.
type Tag struct {
	// Opaque is the hex SHA-256 digest without quotes.
	Opaque     string
	ComputedAt time.Time
}

// Header renders the tag for the ETag response header.
func (t Tag) Header() string {
	return `"` + t.Opaque + `"`
}

func (t Tag) String() string { return t.Header() }

// Compute digests the canonical serialization of the logical payload.
func Compute(logical []byte) Tag {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write(logical)
	return Tag{Opaque: hex.EncodeToString(h.Sum(nil)), ComputedAt: time.Now()}
}

// Condition is a parsed If-None-Match header.
type Condition struct {
	Any  bool
	Tags []string
}

// Empty reports whether the request carried no usable condition.
func (c Condition) Empty() bool {
	return !c.Any && len(c.Tags) == 0
}

// ParseIfNoneMatch accepts a comma list of "opaque", W/"opaque" or "*".
func ParseIfNoneMatch(header string) (Condition, error) {
	var cond Condition
	header = strings.TrimSpace(header)
	if header == "" {
		return cond, nil
	}
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == "*":
			cond.Any = true
		case part == "":
			return Condition{}, ErrMalformedCondition
		default:
			part = strings.TrimPrefix(part, "W/")
			if len(part) < 2 || part[0] != '"' || part[len(part)-1] != '"' {
				return Condition{}, ErrMalformedCondition
			}
			opaque := part[1 : len(part)-1]
			if strings.ContainsAny(opaque, "\" \t") {
				return Condition{}, ErrMalformedCondition
			}
			cond.Tags = append(cond.Tags, opaque)
		}
	}
	return cond, nil
}

// ShouldShortCircuit is true only when the client names the current tag
// exactly. A bare "*" never short-circuits: a device must name the content it
// already holds.
func ShouldShortCircuit(cond Condition, current Tag) bool {
	for _, t := range cond.Tags {
		if t == current.Opaque {
			return true
		}
	}
	return false
}
