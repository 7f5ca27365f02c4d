package state

import (
	"fmt"
	"strconv"

	"github.com/cuemby/snops/pkg/wire"
)

// HeightRequestKind discriminates HeightRequest variants. Wire values match
// the source exactly: 0=Top, 1=Absolute, 2=Checkpoint.
type HeightRequestKind uint8

const (
	HeightTop HeightRequestKind = iota
	HeightAbsolute
	HeightCheckpoint
)

// HeightRequest is the desired ledger height for a node: the chain tip,
// an absolute block height (0 means "wipe and start from genesis"), or a
// checkpoint selected by retention span.
type HeightRequest struct {
	Kind       HeightRequestKind
	Absolute   uint32
	Checkpoint RetentionSpan
}

func Top() HeightRequest { return HeightRequest{Kind: HeightTop} }

func Absolute(h uint32) HeightRequest {
	return HeightRequest{Kind: HeightAbsolute, Absolute: h}
}

func CheckpointAt(span RetentionSpan) HeightRequest {
	return HeightRequest{Kind: HeightCheckpoint, Checkpoint: span}
}

// IsTop reports whether the request targets the live chain tip.
func (h HeightRequest) IsTop() bool { return h.Kind == HeightTop }

// Reset reports whether satisfying this request requires wiping the ledger:
// Absolute(0), or Checkpoint(Unlimited).
func (h HeightRequest) Reset() bool {
	switch h.Kind {
	case HeightAbsolute:
		return h.Absolute == 0
	case HeightCheckpoint:
		return h.Checkpoint.Kind == RetentionUnlimited
	default:
		return false
	}
}

func (h HeightRequest) String() string {
	switch h.Kind {
	case HeightTop:
		return "top"
	case HeightAbsolute:
		return strconv.FormatUint(uint64(h.Absolute), 10)
	case HeightCheckpoint:
		return h.Checkpoint.String()
	default:
		return "?"
	}
}

// ParseHeightRequest mirrors the source's FromStr precedence: try the "top"
// literal, then parse as an absolute u32 height, then fall back to a
// RetentionSpan (checkpoint selector).
func ParseHeightRequest(s string) (HeightRequest, error) {
	if s == "top" {
		return Top(), nil
	}
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return Absolute(uint32(n)), nil
	}
	span, err := ParseRetentionSpan(s)
	if err != nil {
		return HeightRequest{}, fmt.Errorf("state: invalid height request %q", s)
	}
	return CheckpointAt(span), nil
}

func (h HeightRequest) WriteTo(w *wire.Writer) (int, error) {
	n, err := w.PutUint8(uint8(h.Kind))
	if err != nil {
		return n, err
	}
	switch h.Kind {
	case HeightTop:
		return n, nil
	case HeightAbsolute:
		m, err := w.PutUint32(h.Absolute)
		return n + m, err
	case HeightCheckpoint:
		m, err := h.Checkpoint.WriteTo(w)
		return n + m, err
	default:
		return n, fmt.Errorf("state: invalid HeightRequest kind %d", h.Kind)
	}
}

func ReadHeightRequest(r *wire.Reader) (HeightRequest, error) {
	kind, err := r.GetUint8()
	if err != nil {
		return HeightRequest{}, err
	}
	switch HeightRequestKind(kind) {
	case HeightTop:
		return Top(), nil
	case HeightAbsolute:
		h, err := r.GetUint32()
		if err != nil {
			return HeightRequest{}, err
		}
		return Absolute(h), nil
	case HeightCheckpoint:
		span, err := ReadRetentionSpan(r)
		if err != nil {
			return HeightRequest{}, err
		}
		return CheckpointAt(span), nil
	default:
		return HeightRequest{}, fmt.Errorf("state: invalid HeightRequest discriminant %d", kind)
	}
}

// Generation pairs a monotonic counter with a HeightRequest: the reconciler
// drops any command whose generation is not strictly newer than the last
// one it observed for the owning agent.
type HeightGeneration struct {
	Generation uint64
	Request    HeightRequest
}

func (g HeightGeneration) WriteTo(w *wire.Writer) (int, error) {
	n, err := w.PutUint64(g.Generation)
	if err != nil {
		return n, err
	}
	m, err := g.Request.WriteTo(w)
	return n + m, err
}

func ReadHeightGeneration(r *wire.Reader) (HeightGeneration, error) {
	gen, err := r.GetUint64()
	if err != nil {
		return HeightGeneration{}, err
	}
	req, err := ReadHeightRequest(r)
	if err != nil {
		return HeightGeneration{}, err
	}
	return HeightGeneration{Generation: gen, Request: req}, nil
}
