package state

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/snops/pkg/wire"
)

// RetentionSpanKind discriminates RetentionSpan variants. Discriminant
// values follow the source's wire layout exactly (0=Unlimited, 1=Minute,
// 2=Hour, 3=Day, 4=Week, 5=Month, 6=Year) so a codec fixture generated by
// either implementation decodes identically.
type RetentionSpanKind uint8

const (
	RetentionUnlimited RetentionSpanKind = iota
	RetentionMinute
	RetentionHour
	RetentionDay
	RetentionWeek
	RetentionMonth
	RetentionYear
)

// RetentionSpan is a duration expressed in one of a fixed set of units, used
// both as a retention window (checkpoint GC) and as a HeightRequest
// selector ("keep the checkpoint closest to now-span").
//
// RetentionMinute is a reserved discriminant: the wire format supports it
// but no constructor in this package emits it, matching the source where
// RetentionSpan::Minute exists in the codec yet is never produced by
// timestamped checkpoint selection.
type RetentionSpan struct {
	Kind  RetentionSpanKind
	Count uint8 // unused for Unlimited; must be >= 1 otherwise
}

func Unlimited() RetentionSpan { return RetentionSpan{Kind: RetentionUnlimited} }
func Hours(n uint8) RetentionSpan { return RetentionSpan{Kind: RetentionHour, Count: n} }
func Days(n uint8) RetentionSpan   { return RetentionSpan{Kind: RetentionDay, Count: n} }
func Weeks(n uint8) RetentionSpan  { return RetentionSpan{Kind: RetentionWeek, Count: n} }
func Months(n uint8) RetentionSpan { return RetentionSpan{Kind: RetentionMonth, Count: n} }
func Years(n uint8) RetentionSpan  { return RetentionSpan{Kind: RetentionYear, Count: n} }

// AsDuration returns the span as a whole number of minutes for selection
// arithmetic (ok=false for Unlimited). Month and Year use fixed-length approximations
// (30d, 365d) as the source does for retention bucketing purposes.
func (s RetentionSpan) AsDuration() (minutes int64, ok bool) {
	switch s.Kind {
	case RetentionUnlimited:
		return 0, false
	case RetentionMinute:
		return int64(s.Count), true
	case RetentionHour:
		return int64(s.Count) * 60, true
	case RetentionDay:
		return int64(s.Count) * 60 * 24, true
	case RetentionWeek:
		return int64(s.Count) * 60 * 24 * 7, true
	case RetentionMonth:
		return int64(s.Count) * 60 * 24 * 30, true
	case RetentionYear:
		return int64(s.Count) * 60 * 24 * 365, true
	default:
		return 0, false
	}
}

// String renders the short textual form ("U", "1h", "1D", "1W", "1M", "1Y").
func (s RetentionSpan) String() string {
	switch s.Kind {
	case RetentionUnlimited:
		return "U"
	case RetentionMinute:
		return fmt.Sprintf("%dm", s.Count)
	case RetentionHour:
		return fmt.Sprintf("%dh", s.Count)
	case RetentionDay:
		return fmt.Sprintf("%dD", s.Count)
	case RetentionWeek:
		return fmt.Sprintf("%dW", s.Count)
	case RetentionMonth:
		return fmt.Sprintf("%dM", s.Count)
	case RetentionYear:
		return fmt.Sprintf("%dY", s.Count)
	default:
		return "?"
	}
}

// ParseRetentionSpan reads "U" or "<n><unit>" with unit in {h,D,W,M,Y}.
// "m"/minute is intentionally not accepted here: it is a reserved wire
// discriminant, not a user-facing unit (see RetentionMinute).
func ParseRetentionSpan(s string) (RetentionSpan, error) {
	if s == "U" {
		return Unlimited(), nil
	}
	if len(s) < 2 {
		return RetentionSpan{}, fmt.Errorf("state: invalid retention span %q", s)
	}
	unit := s[len(s)-1]
	numPart := s[:len(s)-1]
	n, err := strconv.ParseUint(numPart, 10, 8)
	if err != nil || n == 0 {
		return RetentionSpan{}, fmt.Errorf("state: invalid retention span %q", s)
	}
	count := uint8(n)
	switch unit {
	case 'h':
		return Hours(count), nil
	case 'D':
		return Days(count), nil
	case 'W':
		return Weeks(count), nil
	case 'M':
		return Months(count), nil
	case 'Y':
		return Years(count), nil
	default:
		return RetentionSpan{}, fmt.Errorf("state: invalid retention span unit in %q", s)
	}
}

func (s RetentionSpan) WriteTo(w *wire.Writer) (int, error) {
	n, err := w.PutUint8(uint8(s.Kind))
	if err != nil {
		return n, err
	}
	if s.Kind == RetentionUnlimited {
		return n, nil
	}
	m, err := w.PutUint8(s.Count)
	return n + m, err
}

func ReadRetentionSpan(r *wire.Reader) (RetentionSpan, error) {
	kind, err := r.GetUint8()
	if err != nil {
		return RetentionSpan{}, err
	}
	if kind > uint8(RetentionYear) {
		return RetentionSpan{}, fmt.Errorf("state: invalid RetentionSpan discriminant %d", kind)
	}
	if RetentionSpanKind(kind) == RetentionUnlimited {
		return Unlimited(), nil
	}
	count, err := r.GetUint8()
	if err != nil {
		return RetentionSpan{}, err
	}
	return RetentionSpan{Kind: RetentionSpanKind(kind), Count: count}, nil
}

// RetentionRule keeps checkpoints within Duration at Keep granularity; a
// RetentionPolicy is an ordered list of rules. Policies are parsed and
// stored with the storage descriptor; no code in this module evaluates the
// rules or removes checkpoints by them.
type RetentionRule struct {
	Duration RetentionSpan
	Keep     RetentionSpan
}

func (r RetentionRule) String() string {
	return r.Duration.String() + ":" + r.Keep.String()
}

func ParseRetentionRule(s string) (RetentionRule, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return RetentionRule{}, fmt.Errorf("state: invalid retention rule %q", s)
	}
	d, err := ParseRetentionSpan(parts[0])
	if err != nil {
		return RetentionRule{}, err
	}
	k, err := ParseRetentionSpan(parts[1])
	if err != nil {
		return RetentionRule{}, err
	}
	return RetentionRule{Duration: d, Keep: k}, nil
}

func (r RetentionRule) WriteTo(w *wire.Writer) (int, error) {
	n, err := r.Duration.WriteTo(w)
	if err != nil {
		return n, err
	}
	m, err := r.Keep.WriteTo(w)
	return n + m, err
}

func ReadRetentionRule(r *wire.Reader) (RetentionRule, error) {
	duration, err := ReadRetentionSpan(r)
	if err != nil {
		return RetentionRule{}, err
	}
	keep, err := ReadRetentionSpan(r)
	if err != nil {
		return RetentionRule{}, err
	}
	return RetentionRule{Duration: duration, Keep: keep}, nil
}

type RetentionPolicy struct {
	Rules []RetentionRule
}

func (p RetentionPolicy) WriteTo(w *wire.Writer) (int, error) {
	return wire.PutSlice(w, p.Rules, func(w *wire.Writer, rule RetentionRule) (int, error) { return rule.WriteTo(w) })
}

func ReadRetentionPolicy(r *wire.Reader) (RetentionPolicy, error) {
	rules, err := wire.GetSlice(r, ReadRetentionRule)
	if err != nil {
		return RetentionPolicy{}, err
	}
	return RetentionPolicy{Rules: rules}, nil
}

// ParseRetentionPolicy reads a comma-separated list of rules, e.g.
// "4h:1h,8h:4h,2D:12h".
func ParseRetentionPolicy(s string) (RetentionPolicy, error) {
	parts := strings.Split(s, ",")
	rules := make([]RetentionRule, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		rule, err := ParseRetentionRule(p)
		if err != nil {
			return RetentionPolicy{}, err
		}
		rules = append(rules, rule)
	}
	return RetentionPolicy{Rules: rules}, nil
}
