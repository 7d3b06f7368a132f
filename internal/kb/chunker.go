package kb

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Chunking parameters. Windows target 800 characters with 200 characters of
// trailing overlap carried into the next window; chunks shorter than 100
// characters are folded into a neighbor when possible.
const (
	chunkTarget  = 800
	chunkOverlap = 200
	chunkMin     = 100
)

// ChunkText splits cleaned content into overlapping windows snapped to
// sentence ends. Short inputs come back as a single chunk.
func ChunkText(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= chunkTarget {
		return []string{text}
	}

	sentences := splitSentences(text)

	var chunks []string
	var window []string
	winLen := 0
	fresh := false // window holds material not yet emitted

	flush := func() {
		if winLen == 0 {
			return
		}
		chunks = append(chunks, strings.Join(window, " "))
		fresh = false
		// carry trailing sentences into the next window as overlap
		var keep []string
		keepLen := 0
		for i := len(window) - 1; i >= 0; i-- {
			if keepLen+len(window[i]) > chunkOverlap {
				break
			}
			keepLen += len(window[i]) + 1
			keep = append([]string{window[i]}, keep...)
		}
		window = keep
		winLen = keepLen
	}

	for _, s := range sentences {
		for _, piece := range splitLong(s, chunkTarget) {
			if winLen > 0 && winLen+1+len(piece) > chunkTarget {
				if fresh {
					flush()
				}
				// shed overlap until the piece fits
				for winLen > 0 && winLen+1+len(piece) > chunkTarget {
					winLen -= len(window[0]) + 1
					window = window[1:]
				}
				if winLen < 0 {
					winLen = 0
				}
			}
			window = append(window, piece)
			winLen += len(piece)
			if len(window) > 1 {
				winLen++
			}
			fresh = true
		}
	}
	if winLen > 0 && fresh {
		chunks = append(chunks, strings.Join(window, " "))
	}

	// a trailing fragment below the minimum joins its predecessor when the
	// merge still fits the window
	if n := len(chunks); n > 1 && len(chunks[n-1]) < chunkMin {
		merged := chunks[n-2] + " " + chunks[n-1]
		if len(merged) <= chunkTarget {
			chunks = append(chunks[:n-2], merged)
		}
	}
	return chunks
}

// sentence-final abbreviations that do not end a sentence.
var abbrevs = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
	"jr": true, "sr": true, "vs": true, "etc": true, "inc": true,
	"e.g": true, "i.e": true, "no": true, "fig": true, "vol": true,
}

// splitSentences cuts text at sentence-ending punctuation, skipping decimals
// and common abbreviations. Paragraph breaks always cut.
func splitSentences(text string) []string {
	var out []string
	start := 0

	emit := func(end int) {
		s := strings.TrimSpace(text[start:end])
		if s != "" {
			out = append(out, s)
		}
		start = end
	}

	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		switch r {
		case '\n':
			emit(i + size)
		case '。', '！', '？':
			emit(i + size)
		case '.', '!', '?':
			if r == '.' && (isDecimalAt(text, i) || isAbbrevAt(text, i)) {
				break
			}
			j := i + size
			if j >= len(text) {
				emit(j)
				break
			}
			if next, _ := utf8.DecodeRuneInString(text[j:]); unicode.IsSpace(next) {
				emit(j)
			}
		}
		i += size
	}
	if start < len(text) {
		emit(len(text))
	}
	return out
}

func isDecimalAt(text string, dot int) bool {
	return dot > 0 && dot+1 < len(text) &&
		text[dot-1] >= '0' && text[dot-1] <= '9' &&
		text[dot+1] >= '0' && text[dot+1] <= '9'
}

func isAbbrevAt(text string, dot int) bool {
	start := dot
	for start > 0 {
		r, size := utf8.DecodeLastRuneInString(text[:start])
		if !unicode.IsLetter(r) && r != '.' {
			break
		}
		start -= size
	}
	return abbrevs[strings.ToLower(text[start:dot])]
}

// splitLong hard-splits a sentence longer than max on word boundaries, and
// on raw bytes for pathological unbroken runs.
func splitLong(s string, max int) []string {
	if len(s) <= max {
		return []string{s}
	}
	var out []string
	var cur strings.Builder
	for _, w := range strings.Fields(s) {
		for len(w) > max {
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
			out = append(out, w[:max])
			w = w[max:]
		}
		if cur.Len() > 0 && cur.Len()+1+len(w) > max {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
