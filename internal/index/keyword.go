package index

import (
	"fmt"
	"strconv"

	"github.com/blevesearch/bleve/v2"
)

// keywordDoc is what the fallback engine indexes per tool.
type keywordDoc struct {
	ServiceName string `json:"service_name"`
	ToolName    string `json:"tool_name"`
	Description string `json:"description"`
	Tags        string `json:"tags"`
}

// buildKeywordIndex creates an in-memory BM25 index over the snapshot's
// tools. Used when no encoder is configured, so discovery still works on a
// box without an embedding service.
func buildKeywordIndex(tools []toolEntry) (bleve.Index, error) {
	mapping := bleve.NewIndexMapping()
	idx, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return nil, fmt.Errorf("failed to create keyword index: %w", err)
	}

	batch := idx.NewBatch()
	for i, tool := range tools {
		doc := keywordDoc{
			ServiceName: tool.ServiceName,
			ToolName:    tool.ToolName,
			Description: tool.Description,
		}
		for _, t := range tool.Tags {
			doc.Tags += t + " "
		}
		if err := batch.Index(strconv.Itoa(i), doc); err != nil {
			return nil, fmt.Errorf("failed to index tool %s: %w", tool.ToolName, err)
		}
	}
	if err := idx.Batch(batch); err != nil {
		return nil, fmt.Errorf("failed to commit keyword batch: %w", err)
	}
	return idx, nil
}

// keywordQuery runs a BM25 match query and maps hits back to tool entries.
func keywordQuery(idx bleve.Index, tools []toolEntry, query string, limit int, tags []string) ([]ToolHit, error) {
	q := bleve.NewMatchQuery(query)
	req := bleve.NewSearchRequest(q)
	req.Size = limit * 4 // oversample, tag filtering happens below

	res, err := idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}

	hits := make([]ToolHit, 0, limit)
	for _, h := range res.Hits {
		i, err := strconv.Atoi(h.ID)
		if err != nil || i < 0 || i >= len(tools) {
			continue
		}
		tool := tools[i]
		if !tagsOverlap(tags, tool.Tags) {
			continue
		}
		hits = append(hits, ToolHit{
			ToolName:          tool.ToolName,
			ParsedDescription: tool.Description,
			ToolSchema:        tool.Schema,
			ServicePath:       tool.ServicePath,
			ServiceName:       tool.ServiceName,
			ServiceHealth:     tool.ServiceHealth,
			Score:             h.Score,
			Match:             MatchKeyword,
		})
		if len(hits) == limit {
			break
		}
	}
	return hits, nil
}
