package journal

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func seedIndex(t *testing.T, idx *Index) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, idx.Append(ctx, NewEntry(KindSubmitted, "client", "plasma_inbox",
		[]byte(`{"task_id":"t1","target":"chatgpt","prompt":"Explain quantum entanglement"}`))))
	require.NoError(t, idx.Append(ctx, NewEntry(KindResult, "worker", "plasma_results",
		[]byte(`{"task_id":"t1","agent":"chatgpt","result":"Entangled particles share state"}`))))
	require.NoError(t, idx.Append(ctx, NewEntry(KindResult, "worker", "plasma_results",
		[]byte(`{"task_id":"t2","agent":"grok","error":"rate limit exceeded"}`))))
}

func TestIndex_Search(t *testing.T) {
	idx, err := OpenIndex("")
	require.NoError(t, err)
	defer idx.Close()
	seedIndex(t, idx)

	count, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)

	hits, err := idx.Search(context.Background(), "entanglement", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "t1", hits[0].TaskID)
	assert.Equal(t, KindSubmitted, hits[0].Kind)

	hits, err = idx.Search(context.Background(), "rate limit", SearchOptions{Agent: "grok"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "t2", hits[0].TaskID)

	hits, err = idx.Search(context.Background(), "entangled", SearchOptions{Kind: KindSubmitted})
	require.NoError(t, err)
	for _, h := range hits {
		assert.Equal(t, KindSubmitted, h.Kind)
	}

	hits, err = idx.Search(context.Background(), "nonexistentword", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestIndex_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.bleve")

	idx, err := OpenIndex(path)
	require.NoError(t, err)
	seedIndex(t, idx)
	require.NoError(t, idx.Close())

	idx, err = OpenIndex(path)
	require.NoError(t, err)
	defer idx.Close()

	hits, err := idx.Search(context.Background(), "quantum", SearchOptions{Limit: 5})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "chatgpt", gjson.GetBytes(hits[0].Message, "target").Str)
}

func TestMessageText(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want string
	}{
		{"task", `{"prompt":"hello"}`, "hello"},
		{"result", `{"result":"done"}`, "done"},
		{"error", `{"error":"boom"}`, "boom"},
		{"raw string", `"garbage"`, "garbage"},
		{"empty", ``, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, messageText([]byte(tt.msg)))
		})
	}
}
