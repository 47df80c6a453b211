package variables

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/graphrun/pkg/schema"
)

func TestNewSegment_Normalizes(t *testing.T) {
	tests := []struct {
		name  string
		in    any
		typ   SegmentType
		value any
	}{
		{"string", "hi", SegmentString, "hi"},
		{"int", 3, SegmentNumber, float64(3)},
		{"int64", int64(7), SegmentNumber, float64(7)},
		{"json number", json.Number("1.5"), SegmentNumber, 1.5},
		{"bool", true, SegmentBoolean, true},
		{"nil", nil, SegmentNone, nil},
		{"string slice", []string{"a", "b"}, SegmentArray, []any{"a", "b"}},
		{"nested map", map[string]any{"n": 1}, SegmentObject, map[string]any{"n": float64(1)}},
		{"typed map", map[string]int{"n": 2}, SegmentObject, map[string]any{"n": float64(2)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seg, err := NewSegment(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.typ, seg.Type)
			assert.Equal(t, tt.value, seg.Value)
		})
	}
}

func TestNewSegment_Struct(t *testing.T) {
	type doc struct {
		Title string `json:"title"`
		Pages int    `json:"pages"`
	}
	seg, err := NewSegment(doc{Title: "x", Pages: 2})
	require.NoError(t, err)
	assert.Equal(t, SegmentObject, seg.Type)
	assert.Equal(t, map[string]any{"title": "x", "pages": float64(2)}, seg.Value)
}

func TestSegment_Text(t *testing.T) {
	assert.Equal(t, "3", MustSegment(3).Text())
	assert.Equal(t, "2.5", MustSegment(2.5).Text())
	assert.Equal(t, "true", MustSegment(true).Text())
	assert.Equal(t, "", MustSegment(nil).Text())
	assert.Equal(t, `["a"]`, MustSegment([]string{"a"}).Text())
	assert.Equal(t, "https://f/x.png", MustSegment(File{ID: "1", URL: "https://f/x.png"}).Text())
}

func TestPool_AddGet(t *testing.T) {
	p := NewPool()
	require.NoError(t, p.Add(Selector{"llm1", "text"}, "hello"))
	require.NoError(t, p.Add(Selector{"http", "body"}, map[string]any{
		"items": []any{map[string]any{"id": "a"}, map[string]any{"id": "b"}},
	}))

	seg, ok := p.Get(Selector{"llm1", "text"})
	require.True(t, ok)
	assert.Equal(t, "hello", seg.Value)

	v, ok := p.GetValue(Selector{"http", "body", "items", "1", "id"})
	require.True(t, ok)
	assert.Equal(t, "b", v)

	_, ok = p.Get(Selector{"http", "body", "items", "5"})
	assert.False(t, ok)
	_, ok = p.Get(Selector{"missing", "x"})
	assert.False(t, ok)
	_, ok = p.Get(Selector{"llm1"})
	assert.False(t, ok)
}

func TestPool_WriteOnce(t *testing.T) {
	p := NewPool()
	require.NoError(t, p.Add(Selector{"n1", "out"}, 1))

	err := p.Add(Selector{"n1", "out"}, 2)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	v, _ := p.GetValue(Selector{"n1", "out"})
	assert.Equal(t, float64(1), v)
}

func TestPool_RejectsDeepWrites(t *testing.T) {
	p := NewPool()
	err := p.Add(Selector{"n1", "out", "field"}, 1)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestPool_ScopeWritesOwnNamespace(t *testing.T) {
	p := NewPool()
	s := p.Scope("code1")
	require.NoError(t, s.SetAll(map[string]any{"a": 1, "b": "two"}))

	assert.Equal(t, map[string]any{"a": float64(1), "b": "two"}, p.Namespace("code1"))
	assert.Empty(t, p.Namespace("other"))
	assert.Error(t, s.Set("", 1))
}

func TestPool_ChildOverlay(t *testing.T) {
	parent := NewPool()
	require.NoError(t, parent.Add(Selector{"start", "q"}, "why"))

	child := parent.Child()
	require.NoError(t, child.Add(Selector{"iter", "item"}, 1))

	v, ok := child.GetValue(Selector{"start", "q"})
	require.True(t, ok)
	assert.Equal(t, "why", v)
	assert.False(t, parent.Has(Selector{"iter", "item"}))

	err := child.Add(Selector{"start", "q"}, "shadow")
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	sibling := parent.Child()
	require.NoError(t, sibling.Add(Selector{"iter", "item"}, 2))

	m := child.AsMap()
	assert.Contains(t, m, "start")
	assert.Contains(t, m, "iter")
}

func TestPool_SnapshotRestoreRoundTrip(t *testing.T) {
	p := NewPool()
	require.NoError(t, p.Add(Selector{"sys", "run_id"}, "r1"))
	require.NoError(t, p.Add(Selector{"doc", "file"}, File{ID: "f1", Name: "a.pdf", Size: 10}))
	require.NoError(t, p.Add(Selector{"calc", "n"}, 42))

	data, err := json.Marshal(p.Snapshot())
	require.NoError(t, err)

	var snap map[string]map[string]Segment
	require.NoError(t, json.Unmarshal(data, &snap))
	restored := Restore(snap)

	assert.Equal(t, p.Snapshot(), restored.Snapshot())
	f, ok := restored.GetValue(Selector{"doc", "file"})
	require.True(t, ok)
	assert.Equal(t, File{ID: "f1", Name: "a.pdf", Size: 10}, f)
}

func TestPool_ConcurrentReadsDuringWrites(t *testing.T) {
	p := NewPool()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		name := string(rune('a' + i))
		go func() {
			defer wg.Done()
			_ = p.Add(Selector{"n", name}, i)
		}()
		go func() {
			defer wg.Done()
			_ = p.AsMap()
		}()
	}
	wg.Wait()
	assert.Len(t, p.Namespace("n"), 20)
}

func TestParseSelector(t *testing.T) {
	sel, ok := ParseSelector([]any{"llm", "text"})
	require.True(t, ok)
	assert.Equal(t, Selector{"llm", "text"}, sel)

	sel, ok = ParseSelector("start.query")
	require.True(t, ok)
	assert.Equal(t, "start.query", sel.String())

	_, ok = ParseSelector([]any{"only"})
	assert.False(t, ok)
	_, ok = ParseSelector(42)
	assert.False(t, ok)
}
