package kb

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/nvyas/majordomo/internal/store"
)

// maxContentBytes caps stored content. Anything above is truncated with a
// marker so the reader knows the tail is missing.
const maxContentBytes = 4 << 20

const truncationMark = "\n\n[content truncated]"

// Clean strips control characters, collapses whitespace runs, and applies
// NFC so the content hash is stable across encodings of the same text.
func Clean(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if unicode.IsControl(r) || r == '�' {
			continue
		}
		b.WriteRune(r)
	}
	out := collapseWhitespace(b.String())
	return strings.TrimSpace(norm.NFC.String(out))
}

// collapseWhitespace squeezes runs of spaces and tabs and limits blank-line
// runs to one.
func collapseWhitespace(text string) string {
	var out strings.Builder
	blank := 0
	for _, line := range strings.Split(text, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			blank++
			continue
		}
		if out.Len() > 0 {
			out.WriteByte('\n')
			if blank > 0 {
				out.WriteByte('\n')
			}
		}
		blank = 0
		out.WriteString(strings.Join(fields, " "))
	}
	return out.String()
}

// minContentLen is the shortest acceptable cleaned content per source type.
// Short-form types carry less text by nature.
func minContentLen(sourceType string) int {
	switch sourceType {
	case store.SourceText, store.SourceTweet:
		return 10
	default:
		return 50
	}
}

// validateContent enforces the per-type minimum and the global size cap,
// truncating oversized content in place.
func validateContent(content, sourceType string) (string, error) {
	if len(content) < minContentLen(sourceType) {
		return "", fmt.Errorf("%w: content too short for %s source (%d chars)",
			ErrExtractionFailed, sourceType, len(content))
	}
	if len(content) > maxContentBytes {
		cut := content[:maxContentBytes]
		// do not split a rune
		for len(cut) > 0 && !strings.HasSuffix(cut, " ") {
			r := cut[len(cut)-1]
			if r < 0x80 {
				break
			}
			cut = cut[:len(cut)-1]
		}
		content = cut + truncationMark
	}
	return content, nil
}
