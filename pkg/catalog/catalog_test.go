package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/audioshelf/pkg/collab"
)

var now = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func TestStore_LoadMissingAndRoundTrip(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "nested", "catalog.json"))
	snap, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, snap.Items)

	snap.Merge([]collab.LibraryItem{{ASIN: "B2", Title: "Two"}, {ASIN: "B1", Title: "One"}}, now)
	require.NoError(t, s.Save(snap))

	got, err := s.Load()
	require.NoError(t, err)
	require.Len(t, got.Items, 2)
	assert.Equal(t, "B1", got.Items[0].ASIN)
	assert.True(t, got.SyncedAt.Equal(now))

	// no temp files left behind
	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSnapshot_Merge(t *testing.T) {
	snap := &Snapshot{Items: []Entry{{LibraryItem: collab.LibraryItem{ASIN: "B1", Title: "Old"}, Files: []string{"/lib/B1.m4b"}}}}
	res := snap.Merge([]collab.LibraryItem{
		{ASIN: "B1", Title: "New"},
		{ASIN: "B2", Title: "Two"},
		{ASIN: " ", Title: "skip"},
	}, now)
	assert.Equal(t, MergeResult{Inserted: 1, Updated: 1}, res)
	assert.Equal(t, "New", snap.Items[0].Title)
	assert.Equal(t, []string{"/lib/B1.m4b"}, snap.Items[0].Files)

	res = snap.Merge([]collab.LibraryItem{{ASIN: "B1", Title: "New"}}, now)
	assert.Equal(t, MergeResult{}, res)
}

func TestASINFromPath(t *testing.T) {
	cases := map[string]string{
		"/lib/Author/B0036I54I6-AAX_44_128.aaxc": "B0036I54I6",
		"/lib/book_b0036i54i6.m4b":               "B0036I54I6",
		"/lib/1234567890X.mp3":                   "",
		"/lib/Some Title [059035342X].m4b":       "059035342X",
		"/lib/no-asin-here.m4b":                  "",
	}
	for path, want := range cases {
		got, ok := ASINFromPath(path)
		assert.Equalf(t, want != "", ok, "path %s", path)
		assert.Equalf(t, want, got, "path %s", path)
	}
}

type progressSink struct{ last float64 }

func (p *progressSink) Report(_ context.Context, pct float64, _ string, _ map[string]any) error {
	if pct >= 0 {
		p.last = pct
	}
	return nil
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestRepairer_ApplyRepair(t *testing.T) {
	root := t.TempDir()
	lib := filepath.Join(root, "library")
	reports := filepath.Join(root, "reports")
	cat := NewStore(filepath.Join(root, "catalog.json"))

	require.NoError(t, cat.Save(&Snapshot{Items: []Entry{
		{LibraryItem: collab.LibraryItem{ASIN: "B000000001", Title: "Known"}},
		{LibraryItem: collab.LibraryItem{ASIN: "B000000001", Title: "Known dup"}, Files: []string{"/old/path.m4b"}},
		{LibraryItem: collab.LibraryItem{ASIN: "B000000003", Title: "Not on disk"}},
	}}))

	touch(t, filepath.Join(lib, "Author", "Known_B000000001.m4b"))
	touch(t, filepath.Join(lib, "Other", "New Book_B000000002.m4b"))
	touch(t, filepath.Join(lib, "Other", "cover.jpg"))
	touch(t, filepath.Join(lib, "loose.mp3"))

	r := NewRepairer(cat, lib, nil, reports)
	r.now = func() time.Time { return now }

	sink := &progressSink{}
	summary, err := r.ApplyRepair(context.Background(), collab.Session{Reporter: sink})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Deduped)
	assert.Equal(t, []string{"B000000001"}, summary.DuplicateASINs)
	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, 1, summary.Inserted)
	assert.Equal(t, 100.0, sink.last)
	require.NotEmpty(t, summary.ReportPath)

	snap, err := cat.Load()
	require.NoError(t, err)
	require.Len(t, snap.Items, 3)
	known := snap.Items[snap.Index("B000000001")]
	assert.Equal(t, []string{filepath.Join(lib, "Author", "Known_B000000001.m4b")}, known.Files)
	inserted := snap.Items[snap.Index("B000000002")]
	assert.Equal(t, "New Book_B000000002", inserted.Title)

	raw, err := os.ReadFile(summary.ReportPath)
	require.NoError(t, err)
	var rep Report
	require.NoError(t, yaml.Unmarshal(raw, &rep))
	assert.Equal(t, []string{"B000000002"}, rep.Inserted)
	assert.Equal(t, []string{"B000000001"}, rep.Updated)
	assert.Equal(t, []string{filepath.Join(lib, "loose.mp3")}, rep.Unmatched)
	assert.Equal(t, summary.ReportPath, rep.Summary.ReportPath)

	// second run is a no-op apart from the report
	summary, err = r.ApplyRepair(context.Background(), collab.Session{})
	require.NoError(t, err)
	assert.Zero(t, summary.Updated+summary.Inserted+summary.Deduped)
}

func TestRepairer_RequiresLibraryDir(t *testing.T) {
	r := NewRepairer(NewStore(filepath.Join(t.TempDir(), "c.json")), "", nil, "")
	_, err := r.ApplyRepair(context.Background(), collab.Session{})
	assert.Error(t, err)
}

func TestRepairer_CancelledContext(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "lib", "a_B000000001.m4b"))
	r := NewRepairer(NewStore(filepath.Join(root, "c.json")), filepath.Join(root, "lib"), nil, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.ApplyRepair(ctx, collab.Session{})
	assert.ErrorIs(t, err, context.Canceled)
}
