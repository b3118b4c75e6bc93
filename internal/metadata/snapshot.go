package metadata

import (
	"math"
)

// Well-known keys read when building tasks.
const (
	KeyDetectionThreshold = "Analysis.DetectionThreshold"
	KeyFitModule          = "Analysis.FitModule"
	KeyBGRange            = "Analysis.BGRange"
	KeyNumBGFrames        = "Analysis.NumBGFrames"
	KeyLaserOn            = "EstimatedLaserOnFrameNo"
	KeyPSFFile            = "PSFFile"
)

// DefaultBGRange is used when neither BGRange nor NumBGFrames is set.
var DefaultBGRange = [2]int64{-10, 0}

// Snapshot is a read-only copy of a store's entries, as embedded in tasks.
type Snapshot map[string]any

// Has reports whether key is present.
func (s Snapshot) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Names returns the snapshot's keys, sorted.
func (s Snapshot) Names() []string { return sortedKeys(s) }

// Float returns key as a float64.
func (s Snapshot) Float(key string) (float64, bool) {
	return toFloat(s[key])
}

// Int returns key as an int64. Non-integral numbers are rejected.
func (s Snapshot) Int(key string) (int64, bool) {
	f, ok := toFloat(s[key])
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int64(f), true
}

// String returns key as a string.
func (s Snapshot) String(key string) (string, bool) {
	v, ok := s[key].(string)
	return v, ok
}

// Bool returns key as a bool.
func (s Snapshot) Bool(key string) (bool, bool) {
	v, ok := s[key].(bool)
	return v, ok
}

// Range returns key as an integer pair (lo, hi).
func (s Snapshot) Range(key string) (lo, hi int64, ok bool) {
	var pair []any
	switch v := s[key].(type) {
	case []any:
		pair = v
	case [2]int64:
		return v[0], v[1], true
	case []int64:
		if len(v) != 2 {
			return 0, 0, false
		}
		return v[0], v[1], true
	default:
		return 0, 0, false
	}
	if len(pair) != 2 {
		return 0, 0, false
	}
	a, okA := toFloat(pair[0])
	b, okB := toFloat(pair[1])
	if !okA || !okB {
		return 0, 0, false
	}
	return int64(a), int64(b), true
}

// Clone returns a shallow copy.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// WithBGDefaults returns a copy in which Analysis.BGRange is always set: derived from
// Analysis.NumBGFrames n as (-n, 0) when present, DefaultBGRange otherwise.
func (s Snapshot) WithBGDefaults() Snapshot {
	out := s.Clone()
	if _, _, ok := out.Range(KeyBGRange); ok {
		return out
	}
	if n, ok := out.Int(KeyNumBGFrames); ok {
		out[KeyBGRange] = []any{float64(-n), float64(0)}
		return out
	}
	out[KeyBGRange] = []any{float64(DefaultBGRange[0]), float64(DefaultBGRange[1])}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}
