package kb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nvyas/majordomo/internal/store"
)

// Service runs the ingest pipeline and search over one store.
type Service struct {
	store         *store.Store
	embedder      Embedder
	http          *http.Client
	lockDir       string
	transcriptBin string
	logger        *slog.Logger
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the logger. Default discards.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithHTTPClient overrides the fetch client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.http = c }
}

// WithTranscriptTool sets the external binary used to fetch video
// transcripts. Empty disables video ingestion.
func WithTranscriptTool(bin string) Option {
	return func(s *Service) { s.transcriptBin = bin }
}

// New creates a KB service. embedder may be nil, in which case chunks are
// stored without vectors and search returns no results.
func New(st *store.Store, embedder Embedder, lockDir string, opts ...Option) *Service {
	s := &Service{
		store:    st,
		embedder: embedder,
		http:     &http.Client{Timeout: fetchTimeout},
		lockDir:  lockDir,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// IngestRequest adds one source to a group's knowledge base. Exactly one of
// URL or Content must be set.
type IngestRequest struct {
	GroupFolder string
	URL         string
	Content     string
	Title       string
	Tags        []string
	TypeHint    string
}

// Ingest runs the full pipeline and returns the stored source.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (store.KBSource, error) {
	if req.GroupFolder == "" {
		return store.KBSource{}, fmt.Errorf("%w: group folder required", ErrInvalidRequest)
	}
	if (req.URL == "") == (req.Content == "") {
		return store.KBSource{}, fmt.Errorf("%w: exactly one of url or content required", ErrInvalidRequest)
	}

	lock, err := acquireGroupLock(s.lockDir, req.GroupFolder)
	if err != nil {
		return store.KBSource{}, err
	}
	defer lock.release()

	var (
		normURL    string
		sourceType string
		extracted  Extracted
	)

	if req.URL != "" {
		normURL, err = NormalizeURL(req.URL)
		if err != nil {
			return store.KBSource{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if _, err := s.store.GetSourceByURL(ctx, req.GroupFolder, normURL); err == nil {
			return store.KBSource{}, fmt.Errorf("%w: %s", ErrAlreadyIngested, normURL)
		} else if !errors.Is(err, store.ErrNotFound) {
			return store.KBSource{}, err
		}
		sourceType = req.TypeHint
		if sourceType == "" {
			sourceType = DetectSourceType(normURL)
		}
		extracted, err = s.extract(ctx, sourceType, normURL)
		if err != nil {
			return store.KBSource{}, err
		}
	} else {
		sourceType = req.TypeHint
		if sourceType == "" {
			sourceType = store.SourceText
		}
		extracted = Extracted{Title: req.Title, Content: req.Content}
	}

	content := Clean(extracted.Content)
	content, err = validateContent(content, sourceType)
	if err != nil {
		return store.KBSource{}, err
	}

	hash := contentHash(content)
	if dup, err := s.store.GetSourceByHash(ctx, req.GroupFolder, hash); err == nil {
		return store.KBSource{}, fmt.Errorf("%w: matches source %s", ErrDuplicateContent, dup.ID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.KBSource{}, err
	}

	title := req.Title
	if title == "" {
		title = extracted.Title
	}
	if title == "" && normURL != "" {
		title = titleFromURL(normURL)
	}

	// the store keeps millisecond precision, so timestamps are truncated
	// up front to round-trip exactly
	now := time.Now().UTC().Truncate(time.Millisecond)
	src := store.KBSource{
		ID:          "kb-" + uuid.Must(uuid.NewV7()).String(),
		GroupFolder: req.GroupFolder,
		URL:         normURL,
		Title:       title,
		SourceType:  sourceType,
		RawContent:  content,
		ContentHash: hash,
		Tags:        req.Tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	chunks := s.buildChunks(ctx, src.ID, content, now)

	if err := s.store.CreateSource(ctx, src); err != nil {
		return store.KBSource{}, err
	}
	if err := s.store.ReplaceChunks(ctx, src.ID, chunks); err != nil {
		return store.KBSource{}, err
	}
	s.logger.Info("kb source ingested",
		"group", req.GroupFolder, "source_id", src.ID, "type", sourceType,
		"chunks", len(chunks))
	return src, nil
}

// buildChunks chunks content and embeds the batch. A failing provider
// yields chunks without vectors; they are backfilled later by Reembed.
func (s *Service) buildChunks(ctx context.Context, sourceID, content string, now time.Time) []store.KBChunk {
	texts := ChunkText(content)
	chunks := make([]store.KBChunk, len(texts))
	for i, t := range texts {
		chunks[i] = store.KBChunk{
			ID:         uuid.Must(uuid.NewV7()).String(),
			SourceID:   sourceID,
			ChunkIndex: i,
			Content:    t,
			CreatedAt:  now,
		}
	}

	if s.embedder == nil {
		return chunks
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		s.logger.Warn("embedding failed, storing chunks without vectors",
			"source_id", sourceID, "error", err)
		return chunks
	}
	for i := range chunks {
		chunks[i].Embedding = vectors[i]
		chunks[i].EmbeddingDim = len(vectors[i])
		chunks[i].EmbeddingProvider = s.embedder.Provider()
		chunks[i].EmbeddingModel = s.embedder.Model()
	}
	return chunks
}

// SearchRequest queries a group's chunks. Zero values take defaults:
// limit 5, min similarity 0.7. Empty GroupFolder searches all groups.
type SearchRequest struct {
	Query          string
	GroupFolder    string
	Limit          int
	MinSimilarity  float64
	DedupeBySource bool
}

// SearchResult is one matching chunk with its source metadata.
type SearchResult struct {
	ChunkID    string  `json:"chunk_id"`
	SourceID   string  `json:"source_id"`
	URL        string  `json:"url,omitempty"`
	Title      string  `json:"title"`
	SourceType string  `json:"source_type"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
}

// Search embeds the query and ranks chunks by cosine similarity. A missing
// or failing provider returns no results rather than an error.
func (s *Service) Search(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	if req.Query == "" {
		return nil, fmt.Errorf("%w: query required", ErrInvalidRequest)
	}
	if req.Limit <= 0 {
		req.Limit = 5
	}
	if req.MinSimilarity == 0 {
		req.MinSimilarity = 0.7
	}
	if s.embedder == nil {
		s.logger.Warn("kb search without embeddings provider")
		return nil, nil
	}

	qvecs, err := s.embedder.Embed(ctx, []string{req.Query})
	if err != nil {
		s.logger.Warn("query embedding failed", "error", err)
		return nil, nil
	}
	qvec := qvecs[0]

	chunks, err := s.store.GroupChunks(ctx, req.GroupFolder)
	if err != nil {
		return nil, err
	}

	var results []SearchResult
	for _, c := range chunks {
		if c.Embedding == nil {
			continue
		}
		sim := cosineSimilarity(qvec, c.Embedding)
		if sim < req.MinSimilarity {
			continue
		}
		results = append(results, SearchResult{
			ChunkID:    c.ChunkID,
			SourceID:   c.SourceID,
			URL:        c.URL,
			Title:      c.Title,
			SourceType: c.SourceType,
			Content:    c.Content,
			Similarity: sim,
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })

	if req.DedupeBySource {
		seen := map[string]bool{}
		kept := results[:0]
		for _, r := range results {
			if seen[r.SourceID] {
				continue
			}
			seen[r.SourceID] = true
			kept = append(kept, r)
		}
		results = kept
	}
	if len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

// List returns a group's sources.
func (s *Service) List(ctx context.Context, groupFolder string) ([]store.KBSource, error) {
	return s.store.ListSources(ctx, groupFolder)
}

// UpdateRequest modifies an existing source. URL sources are re-extracted
// from their stored URL. Text sources take new Content, or a title/tags
// change in place; a text update with neither is invalid.
type UpdateRequest struct {
	GroupFolder string
	SourceID    string
	Content     string
	Title       string
	Tags        []string
}

// Update re-runs the pipeline for an existing source, preserving its id
// and created_at, and replaces its chunks.
func (s *Service) Update(ctx context.Context, req UpdateRequest) (store.KBSource, error) {
	src, err := s.getScoped(ctx, req.GroupFolder, req.SourceID)
	if err != nil {
		return store.KBSource{}, err
	}

	lock, err := acquireGroupLock(s.lockDir, req.GroupFolder)
	if err != nil {
		return store.KBSource{}, err
	}
	defer lock.release()

	var content string
	switch {
	case src.URL != "":
		extracted, err := s.extract(ctx, src.SourceType, src.URL)
		if err != nil {
			return store.KBSource{}, err
		}
		content = extracted.Content
		if req.Title == "" && extracted.Title != "" {
			src.Title = extracted.Title
		}
	case req.Content != "":
		content = req.Content
	case req.Title != "" || req.Tags != nil:
		// metadata-only update, chunks untouched
		src.Title = req.Title
		if req.Tags != nil {
			src.Tags = req.Tags
		}
		src.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
		if err := s.store.UpdateSource(ctx, src); err != nil {
			return store.KBSource{}, err
		}
		return src, nil
	default:
		return store.KBSource{}, fmt.Errorf("%w: update needs content, title, or tags", ErrInvalidRequest)
	}

	cleaned := Clean(content)
	cleaned, err = validateContent(cleaned, src.SourceType)
	if err != nil {
		return store.KBSource{}, err
	}
	hash := contentHash(cleaned)
	if dup, err := s.store.GetSourceByHash(ctx, req.GroupFolder, hash); err == nil && dup.ID != src.ID {
		return store.KBSource{}, fmt.Errorf("%w: matches source %s", ErrDuplicateContent, dup.ID)
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return store.KBSource{}, err
	}

	if req.Title != "" {
		src.Title = req.Title
	}
	if req.Tags != nil {
		src.Tags = req.Tags
	}
	src.RawContent = cleaned
	src.ContentHash = hash
	src.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)

	chunks := s.buildChunks(ctx, src.ID, cleaned, src.UpdatedAt)
	if err := s.store.UpdateSource(ctx, src); err != nil {
		return store.KBSource{}, err
	}
	if err := s.store.ReplaceChunks(ctx, src.ID, chunks); err != nil {
		return store.KBSource{}, err
	}
	s.logger.Info("kb source updated", "group", req.GroupFolder, "source_id", src.ID, "chunks", len(chunks))
	return src, nil
}

// Delete removes a source and its chunks.
func (s *Service) Delete(ctx context.Context, groupFolder, sourceID string) error {
	if _, err := s.getScoped(ctx, groupFolder, sourceID); err != nil {
		return err
	}
	return s.store.DeleteSource(ctx, sourceID)
}

// Reembed backfills vectors for chunks stored while the provider was down.
// Returns the number of chunks embedded.
func (s *Service) Reembed(ctx context.Context, batchSize int) (int, error) {
	if s.embedder == nil {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	chunks, err := s.store.ChunksMissingEmbeddings(ctx, batchSize)
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("reembed: %w", err)
	}
	done := 0
	for i, c := range chunks {
		if err := s.store.SetChunkEmbedding(ctx, c.ID, vectors[i], s.embedder.Provider(), s.embedder.Model()); err != nil {
			return done, err
		}
		done++
	}
	s.logger.Info("reembedded chunks", "count", done)
	return done, nil
}

// getScoped loads a source and enforces that it belongs to the caller's
// group. An empty groupFolder means privileged access.
func (s *Service) getScoped(ctx context.Context, groupFolder, sourceID string) (store.KBSource, error) {
	if sourceID == "" {
		return store.KBSource{}, fmt.Errorf("%w: source id required", ErrInvalidRequest)
	}
	src, err := s.store.GetSource(ctx, sourceID)
	if err != nil {
		return store.KBSource{}, err
	}
	if groupFolder != "" && src.GroupFolder != groupFolder {
		return store.KBSource{}, fmt.Errorf("%w: source %s not in group %s", store.ErrNotFound, sourceID, groupFolder)
	}
	return src, nil
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
