package state

import (
	"bytes"
	"testing"

	"github.com/cuemby/snops/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHeightRequestPrecedence(t *testing.T) {
	top, err := ParseHeightRequest("top")
	require.NoError(t, err)
	assert.Equal(t, Top(), top)
	assert.True(t, top.IsTop())

	abs, err := ParseHeightRequest("42")
	require.NoError(t, err)
	assert.Equal(t, Absolute(42), abs)

	cp, err := ParseHeightRequest("1h")
	require.NoError(t, err)
	assert.Equal(t, CheckpointAt(Hours(1)), cp)

	unlimited, err := ParseHeightRequest("U")
	require.NoError(t, err)
	assert.Equal(t, CheckpointAt(Unlimited()), unlimited)
}

func TestHeightRequestReset(t *testing.T) {
	assert.True(t, Absolute(0).Reset())
	assert.False(t, Absolute(1).Reset())
	assert.True(t, CheckpointAt(Unlimited()).Reset())
	assert.False(t, CheckpointAt(Hours(1)).Reset())
	assert.False(t, Top().Reset())
}

func TestHeightRequestWireRoundTrip(t *testing.T) {
	cases := []HeightRequest{
		Top(),
		Absolute(0),
		Absolute(123456),
		CheckpointAt(Unlimited()),
		CheckpointAt(Hours(4)),
		CheckpointAt(Days(2)),
	}
	for _, c := range cases {
		var buf bytes.Buffer
		_, err := c.WriteTo(wire.NewWriter(&buf))
		require.NoError(t, err)

		got, err := ReadHeightRequest(wire.NewReader(&buf))
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
}

func TestRetentionSpanParse(t *testing.T) {
	cases := []struct {
		in   string
		want RetentionSpan
	}{
		{"U", Unlimited()},
		{"1h", Hours(1)},
		{"1D", Days(1)},
		{"1W", Weeks(1)},
		{"1M", Months(1)},
		{"1Y", Years(1)},
	}
	for _, c := range cases {
		got, err := ParseRetentionSpan(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestRetentionRuleParse(t *testing.T) {
	got, err := ParseRetentionRule("4h:1h")
	require.NoError(t, err)
	assert.Equal(t, RetentionRule{Duration: Hours(4), Keep: Hours(1)}, got)
}

func TestCheckpointHeaderRoundTrip(t *testing.T) {
	h := CheckpointHeader{
		BlockHeight: 42,
		Timestamp:   1700000000,
		ContentLen:  9001,
	}
	for i := range h.BlockHash {
		h.BlockHash[i] = byte(i)
	}
	for i := range h.GenesisHash {
		h.GenesisHash[i] = byte(255 - i)
	}

	var buf bytes.Buffer
	n, err := h.WriteTo(wire.NewWriter(&buf))
	require.NoError(t, err)
	assert.Equal(t, h.Size(), n)

	got, err := ReadCheckpointHeader(wire.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, h, got)
}
