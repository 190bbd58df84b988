// Package index maintains the semantic tool discovery view: embedding
// matrices over every healthy service's tool inventory, rebuilt when
// inventories change, answering two-stage similarity queries. When no
// encoder is configured it degrades to a BM25 keyword engine.
package index

import "time"

// Match kinds reported on hits.
const (
	MatchSemantic = "semantic"
	MatchKeyword  = "keyword"
)

// ToolHit is one ranked result of a tool finder query.
type ToolHit struct {
	ToolName          string         `json:"tool_name"`
	ParsedDescription string         `json:"parsed_description"`
	ToolSchema        map[string]any `json:"tool_schema,omitempty"`
	ServicePath       string         `json:"service_path"`
	ServiceName       string         `json:"service_name"`
	ServiceHealth     string         `json:"service_health"`
	Score             float64        `json:"overall_similarity_score"`
	Match             string         `json:"match"`
}

/// serviceEntry is one stage-one candidate: a service summary embedding.
type serviceEntry struct {
	Path   string
	Name   string
	Tags   []string
	Health string
	Vector []float32
}

// toolEntry is one stage-two candidate.
type toolEntry struct {
	ServicePath   string
	ServiceName   string
	ServiceHealth string
	ToolName      string
	Description   string
	Text          string
	Schema        map[string]any
	Tags          []string
	Vector        []float32
}

// snapshot is an immutable index generation. Queries read one snapshot for
// their whole execution; rebuilds publish a new one with a pointer swap.
type snapshot struct {
	services []serviceEntry
	tools    []toolEntry
	builtAt  time.Time
	model    string
	dim      int
}
