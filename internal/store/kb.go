package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// CreateSource inserts a KB source. The caller is responsible for dedup
// checks; uniqueness on (group, content_hash) and (group, url) is still
// enforced by the schema as a backstop.
func (s *Store) CreateSource(ctx context.Context, src KBSource) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kb_sources (id, group_folder, url, title, source_type, raw_content, content_hash, tags, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.GroupFolder, nullIfEmpty(src.URL), src.Title, src.SourceType,
		src.RawContent, src.ContentHash, marshalTags(src.Tags),
		formatTS(src.CreatedAt), formatTS(src.UpdatedAt))
	if err != nil {
		s.logger.Error("store: create kb source failed", "id", src.ID, "error", err)
		return fmt.Errorf("create kb source: %w", err)
	}
	return nil
}

// UpdateSource replaces a source's mutable fields. CreatedAt is preserved.
func (s *Store) UpdateSource(ctx context.Context, src KBSource) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE kb_sources SET url=?, title=?, source_type=?, raw_content=?, content_hash=?, tags=?, updated_at=?
		 WHERE id=?`,
		nullIfEmpty(src.URL), src.Title, src.SourceType, src.RawContent,
		src.ContentHash, marshalTags(src.Tags), formatTS(src.UpdatedAt), src.ID)
	if err != nil {
		return fmt.Errorf("update kb source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("kb source %s: %w", src.ID, ErrNotFound)
	}
	return nil
}

// GetSource returns a source by id.
func (s *Store) GetSource(ctx context.Context, id string) (KBSource, error) {
	row := s.db.QueryRowContext(ctx, sourceSelect+` WHERE id = ?`, id)
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return KBSource{}, fmt.Errorf("kb source %s: %w", id, ErrNotFound)
	}
	return src, err
}

// GetSourceByURL returns the source with the given normalized URL in a
// group, or ErrNotFound.
func (s *Store) GetSourceByURL(ctx context.Context, groupFolder, url string) (KBSource, error) {
	row := s.db.QueryRowContext(ctx, sourceSelect+` WHERE group_folder = ? AND url = ?`, groupFolder, url)
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return KBSource{}, ErrNotFound
	}
	return src, err
}

// GetSourceByHash returns the source with the given content hash in a
// group, or ErrNotFound.
func (s *Store) GetSourceByHash(ctx context.Context, groupFolder, hash string) (KBSource, error) {
	row := s.db.QueryRowContext(ctx, sourceSelect+` WHERE group_folder = ? AND content_hash = ?`, groupFolder, hash)
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return KBSource{}, ErrNotFound
	}
	return src, err
}

// ListSources returns all sources in a group, newest first.
func (s *Store) ListSources(ctx context.Context, groupFolder string) ([]KBSource, error) {
	rows, err := s.db.QueryContext(ctx, sourceSelect+` WHERE group_folder = ? ORDER BY created_at DESC`, groupFolder)
	if err != nil {
		return nil, fmt.Errorf("list kb sources: %w", err)
	}
	defer rows.Close()

	var sources []KBSource
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// DeleteSource removes a source and cascades to its chunks.
func (s *Store) DeleteSource(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM kb_chunks WHERE source_id = ?`, id); err != nil {
		return fmt.Errorf("delete kb chunks: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM kb_sources WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete kb source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("kb source %s: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

// ReplaceChunks atomically replaces all chunks of a source.
func (s *Store) ReplaceChunks(ctx context.Context, sourceID string, chunks []KBChunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM kb_chunks WHERE source_id = ?`, sourceID); err != nil {
		return fmt.Errorf("delete old chunks: %w", err)
	}
	for _, c := range chunks {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO kb_chunks (id, source_id, chunk_index, content, embedding, embedding_dim, embedding_provider, embedding_model, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.SourceID, c.ChunkIndex, c.Content, encodeEmbedding(c.Embedding),
			c.EmbeddingDim, c.EmbeddingProvider, c.EmbeddingModel, formatTS(c.CreatedAt))
		if err != nil {
			s.logger.Error("store: insert kb chunk failed", "chunk_id", c.ID, "error", err)
			return fmt.Errorf("insert kb chunk: %w", err)
		}
	}
	return tx.Commit()
}

// GroupChunks returns all chunks for a group joined with their source
// metadata, the scan set for semantic search. When groupFolder is empty,
// chunks from every group are returned.
func (s *Store) GroupChunks(ctx context.Context, groupFolder string) ([]SearchChunk, error) {
	query := `SELECT c.id, c.source_id, c.chunk_index, c.content, c.embedding,
			s.url, s.title, s.source_type
		FROM kb_chunks c JOIN kb_sources s ON s.id = c.source_id`
	var args []any
	if groupFolder != "" {
		query += ` WHERE s.group_folder = ?`
		args = append(args, groupFolder)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("group chunks: %w", err)
	}
	defer rows.Close()

	var chunks []SearchChunk
	for rows.Next() {
		var c SearchChunk
		var emb []byte
		var url sql.NullString
		if err := rows.Scan(&c.ChunkID, &c.SourceID, &c.ChunkIndex, &c.Content, &emb, &url, &c.Title, &c.SourceType); err != nil {
			return nil, fmt.Errorf("scan search chunk: %w", err)
		}
		c.URL = url.String
		c.Embedding = decodeEmbedding(emb)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ChunksMissingEmbeddings returns chunks stored without a vector, for the
// re-embed backfill pass.
func (s *Store) ChunksMissingEmbeddings(ctx context.Context, limit int) ([]KBChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_id, chunk_index, content, created_at
		 FROM kb_chunks WHERE embedding IS NULL ORDER BY created_at LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("chunks missing embeddings: %w", err)
	}
	defer rows.Close()

	var chunks []KBChunk
	for rows.Next() {
		var c KBChunk
		var createdAt string
		if err := rows.Scan(&c.ID, &c.SourceID, &c.ChunkIndex, &c.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan kb chunk: %w", err)
		}
		if c.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// SetChunkEmbedding backfills one chunk's vector.
func (s *Store) SetChunkEmbedding(ctx context.Context, chunkID string, embedding []float32, provider, model string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE kb_chunks SET embedding=?, embedding_dim=?, embedding_provider=?, embedding_model=? WHERE id=?`,
		encodeEmbedding(embedding), len(embedding), provider, model, chunkID)
	if err != nil {
		return fmt.Errorf("set chunk embedding: %w", err)
	}
	return nil
}

// SearchChunk is a chunk row joined with its source, as scanned for search.
type SearchChunk struct {
	ChunkID    string
	SourceID   string
	ChunkIndex int
	Content    string
	Embedding  []float32
	URL        string
	Title      string
	SourceType string
}

const sourceSelect = `SELECT id, group_folder, url, title, source_type, raw_content, content_hash, tags, created_at, updated_at
	FROM kb_sources`

func scanSource(row rowScanner) (KBSource, error) {
	var src KBSource
	var url, tags sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&src.ID, &src.GroupFolder, &url, &src.Title, &src.SourceType,
		&src.RawContent, &src.ContentHash, &tags, &createdAt, &updatedAt)
	if err != nil {
		return KBSource{}, err
	}
	src.URL = url.String
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &src.Tags)
	}
	if src.CreatedAt, err = parseTS(createdAt); err != nil {
		return KBSource{}, err
	}
	if src.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return KBSource{}, err
	}
	return src, nil
}

func marshalTags(tags []string) any {
	if len(tags) == 0 {
		return nil
	}
	data, _ := json.Marshal(tags)
	return string(data)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// encodeEmbedding packs a vector as little-endian float32 bytes. A nil or
// empty vector is stored as NULL so missing embeddings are queryable.
func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeEmbedding unpacks little-endian float32 bytes. Returns nil for NULL
// or malformed blobs.
func decodeEmbedding(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
