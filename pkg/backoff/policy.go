// Package backoff recommends how long a device should wait before its next
// poll. The decision is a pure function of recent poll history; only the
// history read and write touch the shared store.
package backoff

import (
	"math"
	"time"
)

const (
	DefaultBase       = 10 * time.Second
	DefaultMax        = 60 * time.Second
	DefaultMultiplier = 1.5
	DefaultWindow     = 10
	DefaultHistoryTTL = 10 * time.Minute
	DefaultFallback   = 30 * time.Second
)

// Entry is one recorded poll.
type Entry struct {
	DeviceID   string    `json:"device_id"`
	Timestamp  time.Time `json:"timestamp"`
	HadResults bool      `json:"had_results"`
}

// Policy holds the interval bounds and growth factor.
type Policy struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	// Window bounds how many entries are kept per device.
	Window int
	// HistoryTTL drops the history of devices that stopped polling.
	HistoryTTL time.Duration
	// Fallback is served when the history store cannot be read.
	Fallback time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Base:       DefaultBase,
		Max:        DefaultMax,
		Multiplier: DefaultMultiplier,
		Window:     DefaultWindow,
		HistoryTTL: DefaultHistoryTTL,
		Fallback:   DefaultFallback,
	}
}

// normalize fills zero values and keeps the bounds consistent.
func (p Policy) normalize() Policy {
	def := DefaultPolicy()
	if p.Base <= 0 {
		p.Base = def.Base
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.Window <= 0 {
		p.Window = def.Window
	}
	if p.HistoryTTL <= 0 {
		p.HistoryTTL = def.HistoryTTL
	}
	if p.Fallback <= 0 {
		p.Fallback = def.Fallback
	}
	p.Fallback = p.clamp(p.Fallback)
	return p
}

// Interval computes the next poll interval from history ordered newest first.
// Any poll with results resets to Base; each consecutive empty poll multiplies
// the interval, up to Max.
func (p Policy) Interval(history []Entry) time.Duration {
	p = p.normalize()
	empties := ConsecutiveEmpty(history)
	if empties == 0 {
		return p.Base
	}
	grown := float64(p.Base) * math.Pow(p.Multiplier, float64(empties-1))
	if math.IsInf(grown, 0) || grown > float64(p.Max) {
		return p.Max
	}
	return p.clamp(time.Duration(grown).Round(time.Second))
}

func (p Policy) clamp(d time.Duration) time.Duration {
	if d < p.Base {
		return p.Base
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// ConsecutiveEmpty counts polls without results from the newest entry back to
// the most recent poll that had results.
func ConsecutiveEmpty(history []Entry) int {
	n := 0
	for _, e := range history {
		if e.HadResults {
			break
		}
		n++
	}
	return n
}

// Seconds converts an interval to whole seconds for headers.
func Seconds(d time.Duration) int {
	return int(d / time.Second)
}
