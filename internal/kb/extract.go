package kb

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"

	"github.com/nvyas/majordomo/internal/store"
)

// Extracted is what an extractor hands back to the pipeline.
type Extracted struct {
	Title   string
	Content string
}

const (
	fetchTimeout      = 30 * time.Second
	transcriptTimeout = 60 * time.Second
	maxFetchBytes     = 32 << 20
)

// extract dispatches on source type. Text sources never reach here.
func (s *Service) extract(ctx context.Context, sourceType, rawURL string) (Extracted, error) {
	switch sourceType {
	case store.SourceArticle, store.SourceTweet, store.SourceOther:
		return s.extractArticle(ctx, rawURL)
	case store.SourcePDF:
		return s.extractPDF(ctx, rawURL)
	case store.SourceVideo:
		return s.extractTranscript(ctx, rawURL)
	default:
		return Extracted{}, fmt.Errorf("%w: no extractor for type %q", ErrExtractionFailed, sourceType)
	}
}

// extractArticle fetches the page and runs readability. Pages readability
// cannot parse fail the ingest rather than storing nav chrome.
func (s *Service) extractArticle(ctx context.Context, rawURL string) (Extracted, error) {
	body, err := s.fetch(ctx, rawURL)
	if err != nil {
		return Extracted{}, err
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return Extracted{}, fmt.Errorf("parse url: %w", err)
	}
	article, err := readability.FromReader(bytes.NewReader(body), u)
	if err != nil {
		return Extracted{}, fmt.Errorf("%w: readability: %v", ErrExtractionFailed, err)
	}
	content := strings.TrimSpace(article.TextContent)
	if content == "" {
		return Extracted{}, fmt.Errorf("%w: no readable content at %s", ErrExtractionFailed, rawURL)
	}
	return Extracted{Title: article.Title, Content: content}, nil
}

func (s *Service) extractPDF(ctx context.Context, rawURL string) (Extracted, error) {
	body, err := s.fetch(ctx, rawURL)
	if err != nil {
		return Extracted{}, err
	}
	r, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return Extracted{}, fmt.Errorf("%w: open pdf: %v", ErrExtractionFailed, err)
	}
	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(pageText)
	}
	if text.Len() == 0 {
		return Extracted{}, fmt.Errorf("%w: pdf has no extractable text", ErrExtractionFailed)
	}
	return Extracted{Title: titleFromURL(rawURL), Content: text.String()}, nil
}

// extractTranscript shells out to the configured transcript tool with the
// URL as a single argv element. No shell is involved.
func (s *Service) extractTranscript(ctx context.Context, rawURL string) (Extracted, error) {
	if s.transcriptBin == "" {
		return Extracted{}, fmt.Errorf("%w: no transcript tool configured", ErrExtractionFailed)
	}
	ctx, cancel := context.WithTimeout(ctx, transcriptTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.transcriptBin, rawURL)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return Extracted{}, fmt.Errorf("%w: transcript tool: %v: %s",
			ErrExtractionFailed, err, truncateForLog(errBuf.String()))
	}
	content := strings.TrimSpace(out.String())
	if content == "" {
		return Extracted{}, fmt.Errorf("%w: empty transcript", ErrExtractionFailed)
	}
	return Extracted{Title: titleFromURL(rawURL), Content: content}, nil
}

func (s *Service) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create fetch request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; majordomo/1.0)")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %v", ErrExtractionFailed, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: fetch %s: status %d", ErrExtractionFailed, rawURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrExtractionFailed, err)
	}
	return body, nil
}

func titleFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	base := u.Path
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	if base == "" {
		return u.Host
	}
	return base
}
