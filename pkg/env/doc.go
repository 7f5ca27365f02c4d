// Package env projects a declarative environment specification (storage,
// nodes, and cannon YAML documents) against the agent pool: replica
// expansion, node_map bimap assignment, peer/validator resolution, the
// height-retention generation bump rule, and update_agent_states
// dispatch. Grounded on original_source/crates/common/src/schema/mod.rs
// (multi-document parsing) and
// original_source/crates/controlplane/src/env/reconcile.rs (assignment and
// height retention).
package env

import (
	"bytes"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// DocumentKind discriminates which of the three document schemas a parsed
// YAML document carries, mirroring the source's "snops/<kind>/v1" tags.
type DocumentKind string

const (
	KindStorage DocumentKind = "snops/storage/v1"
	KindNodes   DocumentKind = "snops/nodes/v1"
	KindCannon  DocumentKind = "snops/cannon/v1"
)

// Document is one parsed item from a multi-document environment spec; only
// the field matching Kind is populated.
type Document struct {
	Kind    DocumentKind
	Storage *StorageDoc
	Nodes   *NodesDocument
	Cannon  *CannonDoc
}

type kindProbe struct {
	Kind string `yaml:"kind"`
}

// ParseDocs splits data on YAML document boundaries (---) and decodes each
// one according to its "kind" field. Unlike a single yaml.Unmarshal call,
// this walks every document in the stream, the same way the source's
// serde_yaml::Deserializer::from_str loop does.
func ParseDocs(data []byte) ([]Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var docs []Document
	for i := 0; ; i++ {
		var raw yaml.Node
		err := dec.Decode(&raw)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("env: decode document %d: %w", i, err)
		}
		if raw.Kind == 0 {
			continue // blank document between two "---" separators
		}

		var probe kindProbe
		if err := raw.Decode(&probe); err != nil {
			return nil, fmt.Errorf("env: document %d: missing kind: %w", i, err)
		}

		doc := Document{Kind: DocumentKind(probe.Kind)}
		switch doc.Kind {
		case KindStorage:
			var s StorageDoc
			if err := raw.Decode(&s); err != nil {
				return nil, fmt.Errorf("env: document %d: %w", i, err)
			}
			doc.Storage = &s
		case KindNodes:
			var n NodesDocument
			if err := raw.Decode(&n); err != nil {
				return nil, fmt.Errorf("env: document %d: %w", i, err)
			}
			doc.Nodes = &n
		case KindCannon:
			var c CannonDoc
			if err := raw.Decode(&c); err != nil {
				return nil, fmt.Errorf("env: document %d: %w", i, err)
			}
			doc.Cannon = &c
		default:
			return nil, fmt.Errorf("env: document %d: unknown kind %q", i, probe.Kind)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
