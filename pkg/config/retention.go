package config

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// Retention is how long a job stays in a state before the old-job sweep
// moves it on. Never means the job stays forever.
type Retention struct {
	Never    bool
	Duration time.Duration
}

// NeverRetention is the "never" value.
var NeverRetention = Retention{Never: true}

const day = 24 * time.Hour

var retentionUnits = map[byte]time.Duration{
	'h': time.Hour,
	'd': day,
	'm': 30 * day,
	'y': 365 * day,
}

// ParseRetention parses "<float><h|d|m|y>" (m is 30 days, y is 365 days) or
// "never" in any case.
func ParseRetention(s string) (Retention, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "never") {
		return NeverRetention, nil
	}
	if len(s) < 2 {
		return Retention{}, fmt.Errorf("invalid time delta %q", s)
	}
	unit, ok := retentionUnits[s[len(s)-1]]
	if !ok {
		return Retention{}, fmt.Errorf("invalid time delta %q: suffix must be h, d, m or y", s)
	}
	n, err := strconv.ParseFloat(s[:len(s)-1], 64)
	if err != nil || n < 0 || math.IsInf(n, 0) || math.IsNaN(n) {
		return Retention{}, fmt.Errorf("invalid time delta %q", s)
	}
	return Retention{Duration: time.Duration(n * float64(unit))}, nil
}

// String formats the retention in hours, or "never".
func (r Retention) String() string {
	if r.Never {
		return "never"
	}
	return strconv.FormatFloat(r.Duration.Hours(), 'g', -1, 64) + "h"
}

// After returns t plus the retention, or nil for Never.
func (r Retention) After(t time.Time) *time.Time {
	if r.Never {
		return nil
	}
	out := t.Add(r.Duration)
	return &out
}

// Exceeds reports whether r is strictly longer than other.
func (r Retention) Exceeds(other Retention) bool {
	switch {
	case other.Never:
		return false
	case r.Never:
		return true
	default:
		return r.Duration > other.Duration
	}
}

// retentionHook decodes strings into Retention values.
func retentionHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(Retention{})
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return ParseRetention(v)
		case nil:
			return Retention{}, nil
		default:
			return nil, fmt.Errorf("invalid time delta %v: expected a string such as \"30d\"", v)
		}
	}
}
