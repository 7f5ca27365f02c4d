package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDocs = `
kind: snops/storage/v1
id: genesis
network: testnet
retention: "4h:1h,2D:12h"
---
kind: snops/nodes/v1
nodes:
  - type: validator
    key: bar
    mode: validator
---
kind: snops/cannon/v1
id: main
authorize: listen
query: local
`

func TestParseDocsSplitsOnKind(t *testing.T) {
	docs, err := ParseDocs([]byte(sampleDocs))
	require.NoError(t, err)
	require.Len(t, docs, 3)

	assert.Equal(t, KindStorage, docs[0].Kind)
	require.NotNil(t, docs[0].Storage)
	assert.Equal(t, "genesis", docs[0].Storage.ID)

	assert.Equal(t, KindNodes, docs[1].Kind)
	require.NotNil(t, docs[1].Nodes)
	require.Len(t, docs[1].Nodes.Nodes, 1)
	assert.Equal(t, "validator", docs[1].Nodes.Nodes[0].Type)

	assert.Equal(t, KindCannon, docs[2].Kind)
	require.NotNil(t, docs[2].Cannon)
	assert.Equal(t, "main", docs[2].Cannon.ID)
}

func TestParseDocsRejectsUnknownKind(t *testing.T) {
	_, err := ParseDocs([]byte("kind: snops/bogus/v1\n"))
	require.Error(t, err)
}

func TestParseDocsRejectsMissingKind(t *testing.T) {
	_, err := ParseDocs([]byte("id: no-kind-here\n"))
	require.Error(t, err)
}

func TestStorageDocToStorageInfo(t *testing.T) {
	doc := StorageDoc{ID: "genesis", Network: "testnet", Retention: "4h:1h"}
	info, err := doc.ToStorageInfo()
	require.NoError(t, err)
	assert.Equal(t, "genesis", info.ID.String())
	require.Len(t, info.Retention.Rules, 1)
}

func TestCannonDocToCannonConfig(t *testing.T) {
	doc := CannonDoc{
		ID:        "main",
		Authorize: "playback:/tmp/auths.jsonl",
		Query:     "validator/any",
		Sinks: []CannonSinkDoc{
			{File: "/tmp/out.jsonl"},
			{Targets: "client/any"},
		},
		Compute: ComputePolicyDoc{AnyCompute: true},
	}
	cfg, err := doc.ToCannonConfig()
	require.NoError(t, err)
	assert.Equal(t, "main", cfg.ID.String())
	require.Len(t, cfg.Sinks, 2)
	assert.True(t, cfg.Compute.AnyCompute)
}
