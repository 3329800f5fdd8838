package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Index is a full-text index over journaled messages. Prompts, results
// and errors are analyzed text; kind, agent and task id are exact-match
// keywords.
type Index struct {
	index bleve.Index
}

// indexDocument is the indexed form of an Entry.
type indexDocument struct {
	Text      string    `json:"text"`
	Kind      string    `json:"kind"`
	Component string    `json:"component"`
	TaskID    string    `json:"task_id"`
	Agent     string    `json:"agent"`
	Time      time.Time `json:"time"`
	Entry     string    `json:"entry"`
}

// SearchOptions narrows a search.
type SearchOptions struct {
	// Agent and Kind filter by exact value when set.
	Agent string
	Kind  Kind

	// Limit caps the number of hits. Default: 10
	Limit int
}

// OpenIndex opens the index at path, creating it if missing. An empty
// path gives an in-memory index.
func OpenIndex(path string) (*Index, error) {
	if path == "" {
		idx, err := bleve.NewMemOnly(buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create bleve index: %w", err)
		}
		return &Index{index: idx}, nil
	}

	var (
		idx bleve.Index
		err error
	)
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		idx, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create bleve index: %w", err)
		}
	} else {
		idx, err = bleve.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open bleve index: %w", err)
		}
	}
	return &Index{index: idx}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	docMapping := bleve.NewDocumentMapping()

	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = standard.Name

	keywordFieldMapping := bleve.NewKeywordFieldMapping()

	dateFieldMapping := bleve.NewDateTimeFieldMapping()

	storedOnly := bleve.NewTextFieldMapping()
	storedOnly.Index = false
	storedOnly.Store = true

	docMapping.AddFieldMappingsAt("text", textFieldMapping)
	docMapping.AddFieldMappingsAt("kind", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("component", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("task_id", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("agent", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("time", dateFieldMapping)
	docMapping.AddFieldMappingsAt("entry", storedOnly)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	indexMapping.DefaultAnalyzer = standard.Name
	return indexMapping
}

// messageText pulls the human-readable parts out of a message.
func messageText(msg json.RawMessage) string {
	if len(msg) == 0 {
		return ""
	}
	doc := gjson.ParseBytes(msg)
	if doc.Type == gjson.String {
		return doc.Str
	}
	var parts []string
	for _, field := range []string{"prompt", "result", "error"} {
		if v := doc.Get(field); v.Type == gjson.String && v.Str != "" {
			parts = append(parts, v.Str)
		}
	}
	return strings.Join(parts, "\n")
}

// Append indexes e.
func (x *Index) Append(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: marshal entry: %w", err)
	}

	text := messageText(e.Message)
	if e.Error != "" {
		text = strings.TrimSpace(text + "\n" + e.Error)
	}
	agent := e.Agent
	if agent == "" {
		agent = gjson.GetBytes(e.Message, "agent").Str
	}

	doc := indexDocument{
		Text:      text,
		Kind:      string(e.Kind),
		Component: e.Component,
		TaskID:    e.TaskID,
		Agent:     agent,
		Time:      e.Time,
		Entry:     string(raw),
	}
	if err := x.index.Index(uuid.New().String(), doc); err != nil {
		return fmt.Errorf("failed to index document: %w", err)
	}
	return nil
}

// Search returns entries whose message text matches text, best first.
func (x *Index) Search(ctx context.Context, text string, opts SearchOptions) ([]Entry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	match := bleve.NewMatchQuery(text)
	match.SetField("text")

	boolQuery := bleve.NewBooleanQuery()
	boolQuery.AddMust(match)
	for field, value := range map[string]string{"agent": opts.Agent, "kind": string(opts.Kind)} {
		if value == "" {
			continue
		}
		term := bleve.NewTermQuery(value)
		term.SetField(field)
		boolQuery.AddMust(term)
	}

	searchReq := bleve.NewSearchRequest(boolQuery)
	searchReq.Size = limit
	searchReq.Fields = []string{"entry"}

	results, err := x.index.SearchInContext(ctx, searchReq)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	entries := make([]Entry, 0, len(results.Hits))
	for _, hit := range results.Hits {
		raw, ok := hit.Fields["entry"].(string)
		if !ok {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Count returns the number of indexed entries.
func (x *Index) Count() (uint64, error) {
	return x.index.DocCount()
}

// Close closes the index.
func (x *Index) Close() error {
	return x.index.Close()
}
