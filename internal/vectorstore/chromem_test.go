package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *ChromemStore {
	t.Helper()
	store, err := NewChromemStore(ChromemConfig{
		Path:       t.TempDir(),
		Collection: "test",
	}, nil)
	require.NoError(t, err)
	return store
}

func vec(x, y float32) []float32 {
	return []float32{x, y}
}

func TestChromemStore_UpsertAndQuery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.Upsert(ctx, []Document{
		{ID: "a", Content: "alpha", Embedding: vec(1, 0), Metadata: map[string]string{"type": "document"}},
		{ID: "b", Content: "beta", Embedding: vec(0, 1), Metadata: map[string]string{"type": "document"}},
		{ID: "c", Content: "gamma", Embedding: vec(0.9, 0.1), Metadata: map[string]string{"type": "chat"}},
	})
	require.NoError(t, err)

	results, err := store.Query(ctx, vec(1, 0), 3, Filter{})
	require.NoError(t, err)
	require.Len(t, results, 3)

	// Ascending distance: exact match first.
	assert.Equal(t, "a", results[0].ID)
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i-1].Distance, results[i].Distance)
	}
}

func TestChromemStore_UpsertOverwrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	doc := Document{ID: "a", Content: "first", Embedding: vec(1, 0), Metadata: map[string]string{"type": "chat"}}
	require.NoError(t, store.Upsert(ctx, []Document{doc}))

	doc.Content = "second"
	require.NoError(t, store.Upsert(ctx, []Document{doc}))

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	results, err := store.Query(ctx, vec(1, 0), 1, Filter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "second", results[0].Content)
}

func TestChromemStore_QueryEqualityFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.Upsert(ctx, []Document{
		{ID: "d1", Content: "doc", Embedding: vec(1, 0), Metadata: map[string]string{"type": "document"}},
		{ID: "c1", Content: "chat", Embedding: vec(1, 0.01), Metadata: map[string]string{"type": "chat", "session_id": "s1"}},
		{ID: "c2", Content: "chat other session", Embedding: vec(1, 0.02), Metadata: map[string]string{"type": "chat", "session_id": "s2"}},
	})
	require.NoError(t, err)

	results, err := store.Query(ctx, vec(1, 0), 5, Filter{
		Eq: map[string]string{"type": "chat", "session_id": "s1"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].ID)
}

func TestChromemStore_QueryMembershipFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.Upsert(ctx, []Document{
		{ID: "x1", Content: "one", Embedding: vec(1, 0), Metadata: map[string]string{"type": "document", "document_id": "doc-1"}},
		{ID: "x2", Content: "two", Embedding: vec(1, 0.01), Metadata: map[string]string{"type": "document", "document_id": "doc-2"}},
		{ID: "x3", Content: "three", Embedding: vec(1, 0.02), Metadata: map[string]string{"type": "document", "document_id": "doc-3"}},
	})
	require.NoError(t, err)

	results, err := store.Query(ctx, vec(1, 0), 5, Filter{
		Eq: map[string]string{"type": "document"},
		In: map[string][]string{"document_id": {"doc-1", "doc-3"}},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	ids := []string{results[0].ID, results[1].ID}
	assert.ElementsMatch(t, []string{"x1", "x3"}, ids)
}

func TestChromemStore_QueryEmptyStore(t *testing.T) {
	store := newTestStore(t)

	results, err := store.Query(context.Background(), vec(1, 0), 3, Filter{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChromemStore_UpsertValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.Upsert(ctx, nil)
	assert.ErrorIs(t, err, ErrEmptyDocuments)

	err = store.Upsert(ctx, []Document{{ID: "", Embedding: vec(1, 0)}})
	assert.Error(t, err)

	err = store.Upsert(ctx, []Document{{ID: "a"}})
	assert.Error(t, err)
}

func TestFilter_Matches(t *testing.T) {
	tests := []struct {
		name     string
		filter   Filter
		metadata map[string]string
		want     bool
	}{
		{
			name:     "empty filter matches everything",
			filter:   Filter{},
			metadata: map[string]string{"type": "chat"},
			want:     true,
		},
		{
			name:     "equality match",
			filter:   Filter{Eq: map[string]string{"type": "chat"}},
			metadata: map[string]string{"type": "chat"},
			want:     true,
		},
		{
			name:     "equality mismatch",
			filter:   Filter{Eq: map[string]string{"type": "chat"}},
			metadata: map[string]string{"type": "document"},
			want:     false,
		},
		{
			name:     "membership match",
			filter:   Filter{In: map[string][]string{"document_id": {"a", "b"}}},
			metadata: map[string]string{"document_id": "b"},
			want:     true,
		},
		{
			name:     "membership mismatch",
			filter:   Filter{In: map[string][]string{"document_id": {"a", "b"}}},
			metadata: map[string]string{"document_id": "c"},
			want:     false,
		},
		{
			name:     "membership key absent",
			filter:   Filter{In: map[string][]string{"document_id": {"a"}}},
			metadata: map[string]string{},
			want:     false,
		},
		{
			name: "conjunction requires all conditions",
			filter: Filter{
				Eq: map[string]string{"type": "document"},
				In: map[string][]string{"document_id": {"a"}},
			},
			metadata: map[string]string{"type": "chat", "document_id": "a"},
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(tt.metadata))
		})
	}
}
