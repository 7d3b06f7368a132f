package kb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nvyas/majordomo/internal/store"
)

func testService(t *testing.T, e Embedder, opts ...Option) (*Service, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st := store.New(filepath.Join(dir, "kb.db"))
	t.Cleanup(func() { st.Close() })
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return New(st, e, filepath.Join(dir, "locks"), opts...), st
}

// fakeEmbedder maps texts about quantum physics to one axis and everything
// else to the other, so similarity is exactly 1 or 0.
type fakeEmbedder struct {
	fail bool
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.fail {
		return nil, errors.New("provider down")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if strings.Contains(strings.ToLower(t), "quantum") {
			out[i] = []float32{1, 0}
		} else {
			out[i] = []float32{0, 1}
		}
	}
	return out, nil
}

func (f *fakeEmbedder) Provider() string { return "fake" }
func (f *fakeEmbedder) Model() string    { return "fake-embed" }
func (f *fakeEmbedder) Dimensions() int  { return 2 }

func TestNormalizeURL(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"HTTPS://Example.COM/Path/", "https://example.com/Path"},
		{"https://example.com/a?utm_source=x&utm_medium=y&id=7", "https://example.com/a?id=7"},
		{"https://example.com/a?fbclid=abc", "https://example.com/a"},
		{"https://example.com/a#section", "https://example.com/a"},
	}
	for _, c := range cases {
		got, err := NormalizeURL(c.in)
		if err != nil {
			t.Errorf("NormalizeURL(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
	if _, err := NormalizeURL("ftp://example.com/file"); err == nil {
		t.Error("ftp scheme accepted")
	}
	if _, err := NormalizeURL("not a url at all ::"); err == nil {
		t.Error("garbage accepted")
	}
}

func TestDetectSourceType(t *testing.T) {
	cases := []struct {
		url, want string
	}{
		{"https://x.com/user/status/1", store.SourceTweet},
		{"https://twitter.com/user/status/1", store.SourceTweet},
		{"https://www.youtube.com/watch?v=abc", store.SourceVideo},
		{"https://youtu.be/abc", store.SourceVideo},
		{"https://example.com/paper.pdf", store.SourcePDF},
		{"https://example.com/blog/post", store.SourceArticle},
	}
	for _, c := range cases {
		if got := DetectSourceType(c.url); got != c.want {
			t.Errorf("DetectSourceType(%q) = %q, want %q", c.url, got, c.want)
		}
	}
}

func TestClean(t *testing.T) {
	in := "Hello\x00 \x07World\n\n\n\n  spaced   out\ttabs  \n"
	got := Clean(in)
	want := "Hello World\n\nspaced out tabs"
	if got != want {
		t.Errorf("Clean = %q, want %q", got, want)
	}
}

func TestChunkTextBounds(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 120; i++ {
		fmt.Fprintf(&b, "Sentence number %d carries enough words to be realistic. ", i)
	}
	chunks := ChunkText(b.String())
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > chunkTarget {
			t.Errorf("chunk %d is %d chars, over target %d", i, len(c), chunkTarget)
		}
		if len(c) < chunkMin {
			t.Errorf("chunk %d is %d chars, under minimum %d", i, len(c), chunkMin)
		}
	}
	// consecutive chunks share overlap text
	tail := chunks[0][len(chunks[0])-40:]
	if !strings.Contains(chunks[1], strings.TrimSpace(tail)) {
		t.Errorf("chunk 1 does not carry overlap from chunk 0")
	}
}

func TestChunkTextShort(t *testing.T) {
	if got := ChunkText("  "); got != nil {
		t.Errorf("blank input = %v", got)
	}
	got := ChunkText("One short paragraph that fits in a single chunk.")
	if len(got) != 1 {
		t.Fatalf("short input = %d chunks", len(got))
	}
}

func TestIngestTextAndDedup(t *testing.T) {
	svc, _ := testService(t, &fakeEmbedder{})
	ctx := context.Background()

	content := "Quantum computing uses superposition to explore many states at once."
	src, err := svc.Ingest(ctx, IngestRequest{
		GroupFolder: "research", Content: content, Title: "QC notes", Tags: []string{"physics"},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if src.SourceType != store.SourceText || src.Title != "QC notes" {
		t.Fatalf("source = %+v", src)
	}
	if !strings.HasPrefix(src.ID, "kb-") {
		t.Fatalf("source id = %q, want kb- prefix", src.ID)
	}

	// identical content in the same group is rejected
	if _, err := svc.Ingest(ctx, IngestRequest{GroupFolder: "research", Content: content}); !errors.Is(err, ErrDuplicateContent) {
		t.Fatalf("duplicate ingest err = %v", err)
	}
	// the same content in another group is fine
	if _, err := svc.Ingest(ctx, IngestRequest{GroupFolder: "other", Content: content}); err != nil {
		t.Fatalf("cross-group ingest: %v", err)
	}

	list, err := svc.List(ctx, "research")
	if err != nil || len(list) != 1 {
		t.Fatalf("List = %v, %v", list, err)
	}
}

func TestIngestValidation(t *testing.T) {
	svc, _ := testService(t, nil)
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, IngestRequest{Content: "no group"}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("missing group err = %v", err)
	}
	if _, err := svc.Ingest(ctx, IngestRequest{GroupFolder: "g"}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("neither url nor content err = %v", err)
	}
	if _, err := svc.Ingest(ctx, IngestRequest{GroupFolder: "g", Content: "short"}); !errors.Is(err, ErrExtractionFailed) {
		t.Errorf("too-short content err = %v", err)
	}
}

func TestIngestURL(t *testing.T) {
	para := strings.Repeat("Readable article body text with enough substance to pass extraction. ", 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><head><title>Test Article</title></head><body>
			<article><h1>Test Article</h1><p>%s</p><p>%s</p></article></body></html>`, para, para)
	}))
	defer srv.Close()

	svc, _ := testService(t, &fakeEmbedder{}, WithHTTPClient(srv.Client()))
	ctx := context.Background()

	src, err := svc.Ingest(ctx, IngestRequest{GroupFolder: "g", URL: srv.URL + "/post?utm_source=feed"})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if src.URL != srv.URL+"/post" {
		t.Errorf("stored url = %q", src.URL)
	}
	if src.SourceType != store.SourceArticle {
		t.Errorf("source type = %q", src.SourceType)
	}

	// the same page behind different tracking params is the same source
	if _, err := svc.Ingest(ctx, IngestRequest{GroupFolder: "g", URL: srv.URL + "/post?utm_medium=social"}); !errors.Is(err, ErrAlreadyIngested) {
		t.Fatalf("re-ingest err = %v", err)
	}
}

func TestSearch(t *testing.T) {
	svc, _ := testService(t, &fakeEmbedder{})
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, IngestRequest{GroupFolder: "g", Content: "Notes on quantum entanglement and measurement."}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Ingest(ctx, IngestRequest{GroupFolder: "g", Content: "A sourdough starter needs regular feeding."}); err != nil {
		t.Fatal(err)
	}

	results, err := svc.Search(ctx, SearchRequest{Query: "quantum physics", GroupFolder: "g"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %+v", results)
	}
	if !strings.Contains(results[0].Content, "entanglement") {
		t.Errorf("wrong chunk matched: %q", results[0].Content)
	}
	if results[0].Similarity < 0.99 {
		t.Errorf("similarity = %v", results[0].Similarity)
	}

	// below-threshold chunks stay out even with a generous limit
	results, err = svc.Search(ctx, SearchRequest{Query: "baking bread", GroupFolder: "g", Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		if strings.Contains(r.Content, "quantum") {
			t.Errorf("dissimilar chunk returned: %q", r.Content)
		}
	}
}

func TestSearchWithoutEmbedder(t *testing.T) {
	svc, _ := testService(t, nil)
	results, err := svc.Search(context.Background(), SearchRequest{Query: "anything"})
	if err != nil || results != nil {
		t.Fatalf("Search = %v, %v; want empty, nil", results, err)
	}
}

func TestUpdateTextSource(t *testing.T) {
	svc, _ := testService(t, &fakeEmbedder{})
	ctx := context.Background()

	src, err := svc.Ingest(ctx, IngestRequest{GroupFolder: "g", Content: "Original content about quantum tunneling effects."})
	if err != nil {
		t.Fatal(err)
	}
	created := src.CreatedAt

	// metadata-only update leaves content alone
	updated, err := svc.Update(ctx, UpdateRequest{GroupFolder: "g", SourceID: src.ID, Title: "Tunneling", Tags: []string{"qm"}})
	if err != nil {
		t.Fatalf("metadata update: %v", err)
	}
	if updated.Title != "Tunneling" || updated.ContentHash != src.ContentHash {
		t.Fatalf("updated = %+v", updated)
	}

	// content update re-chunks and preserves created_at
	updated, err = svc.Update(ctx, UpdateRequest{GroupFolder: "g", SourceID: src.ID, Content: "Entirely new content about quantum error correction codes."})
	if err != nil {
		t.Fatalf("content update: %v", err)
	}
	if updated.ContentHash == src.ContentHash {
		t.Error("hash unchanged after content update")
	}
	if !updated.CreatedAt.Equal(created) {
		t.Errorf("created_at changed: %v -> %v", created, updated.CreatedAt)
	}

	// a bare update is invalid
	if _, err := svc.Update(ctx, UpdateRequest{GroupFolder: "g", SourceID: src.ID}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("empty update err = %v", err)
	}
}

func TestDeleteScoped(t *testing.T) {
	svc, st := testService(t, nil)
	ctx := context.Background()

	src, err := svc.Ingest(ctx, IngestRequest{GroupFolder: "g", Content: "Some content worth keeping around for a while."})
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.Delete(ctx, "other", src.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("cross-group delete err = %v", err)
	}
	if err := svc.Delete(ctx, "g", src.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := st.GetSource(ctx, src.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("source still present: %v", err)
	}
}

func TestReembedBackfill(t *testing.T) {
	down := &fakeEmbedder{fail: true}
	svc, st := testService(t, down)
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, IngestRequest{GroupFolder: "g", Content: "Quantum annealing content stored while the provider was down."}); err != nil {
		t.Fatalf("Ingest with provider down: %v", err)
	}
	missing, err := st.ChunksMissingEmbeddings(ctx, 10)
	if err != nil || len(missing) == 0 {
		t.Fatalf("missing = %v, %v", missing, err)
	}

	down.fail = false
	n, err := svc.Reembed(ctx, 10)
	if err != nil {
		t.Fatalf("Reembed: %v", err)
	}
	if n != len(missing) {
		t.Fatalf("Reembed = %d, want %d", n, len(missing))
	}

	results, err := svc.Search(ctx, SearchRequest{Query: "quantum annealing", GroupFolder: "g"})
	if err != nil || len(results) == 0 {
		t.Fatalf("Search after backfill = %v, %v", results, err)
	}
}

func TestGroupLockStaleTakeover(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "g.ingest.lock")
	if err := os.WriteFile(path, []byte("12345\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-staleLockAge - time.Minute)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}

	lock, err := acquireGroupLock(dir, "g")
	if err != nil {
		t.Fatalf("acquireGroupLock over stale lock: %v", err)
	}
	lock.release()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("lock file remains: %v", err)
	}
}
