// Package kb implements the knowledge-base pipeline: ingest (extract, clean,
// chunk, embed, persist), semantic search over stored chunks, and source CRUD.
package kb

import "errors"

var (
	// ErrAlreadyIngested is returned when the normalized URL already has a
	// source in the target group.
	ErrAlreadyIngested = errors.New("kb: url already ingested")

	// ErrDuplicateContent is returned when another source in the group has
	// the same content hash.
	ErrDuplicateContent = errors.New("kb: duplicate content")

	// ErrExtractionFailed is returned when an extractor produced no usable
	// content.
	ErrExtractionFailed = errors.New("kb: extraction failed")

	// ErrEmbeddingsUnavailable marks an ingest that stored chunks without
	// vectors because the embeddings provider was unreachable.
	ErrEmbeddingsUnavailable = errors.New("kb: embeddings provider unavailable")

	// ErrInvalidRequest is returned for requests missing required fields.
	ErrInvalidRequest = errors.New("kb: invalid request")
)
