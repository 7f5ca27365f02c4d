package env

import (
	"fmt"
	"strings"

	"github.com/cuemby/snops/pkg/ids"
	"github.com/cuemby/snops/pkg/nodekey"
	"github.com/cuemby/snops/pkg/state"
)

// ToCannonConfig converts the parsed document to its runtime form.
func (d CannonDoc) ToCannonConfig() (state.CannonConfig, error) {
	id, err := ids.NewCannonId(d.ID)
	if err != nil {
		return state.CannonConfig{}, fmt.Errorf("env: cannon id: %w", err)
	}

	authorize, err := parseAuthorizeSource(d.Authorize)
	if err != nil {
		return state.CannonConfig{}, fmt.Errorf("env: cannon %s: %w", d.ID, err)
	}

	query, err := parseQueryTarget(d.Query)
	if err != nil {
		return state.CannonConfig{}, fmt.Errorf("env: cannon %s: %w", d.ID, err)
	}

	sinks := make([]state.CannonSink, 0, len(d.Sinks))
	for _, s := range d.Sinks {
		if s.File != "" {
			sinks = append(sinks, state.FileSink(s.File))
		}
		if s.Targets != "" {
			targets, err := nodekey.ParseTargets(s.Targets)
			if err != nil {
				return state.CannonConfig{}, fmt.Errorf("env: cannon %s: sink targets: %w", d.ID, err)
			}
			sinks = append(sinks, state.NodeSink(targets))
		}
	}

	return state.CannonConfig{
		ID:                id,
		Authorize:         authorize,
		Query:             query,
		Sinks:             sinks,
		Compute:           state.ComputePolicy{AnyCompute: d.Compute.AnyCompute, Labels: d.Compute.Labels},
		AuthorizeTimeout:  d.AuthorizeTimeout,
		BroadcastTimeout:  d.BroadcastTimeout,
		AuthorizeAttempts: d.AuthorizeAttempts,
		BroadcastAttempts: d.BroadcastAttempts,
	}, nil
}

func parseAuthorizeSource(s string) (state.AuthorizeSource, error) {
	switch {
	case s == "listen":
		return state.AuthorizeSource{Kind: state.AuthorizeListen}, nil
	case s == "realtime":
		return state.AuthorizeSource{Kind: state.AuthorizeRealtime}, nil
	case strings.HasPrefix(s, "playback:"):
		file := strings.TrimPrefix(s, "playback:")
		if file == "" {
			return state.AuthorizeSource{}, fmt.Errorf("empty playback file path")
		}
		return state.AuthorizeSource{Kind: state.AuthorizePlayback, PlaybackFile: file}, nil
	default:
		return state.AuthorizeSource{}, fmt.Errorf("invalid authorize source %q", s)
	}
}

func parseQueryTarget(s string) (state.QueryTarget, error) {
	if s == "" || s == "local" {
		return state.QueryTarget{Kind: state.QueryLocal}, nil
	}
	targets, err := nodekey.ParseTargets(s)
	if err != nil {
		return state.QueryTarget{}, fmt.Errorf("invalid query target %q: %w", s, err)
	}
	return state.QueryTarget{Kind: state.QueryNode, Targets: targets}, nil
}
