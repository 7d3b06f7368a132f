package kb

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/nvyas/majordomo/internal/store"
)

// tracking query parameters stripped during normalization.
var trackingParams = map[string]bool{
	"fbclid": true, "gclid": true, "ref": true, "ref_src": true,
	"igshid": true, "mc_cid": true, "mc_eid": true,
}

// NormalizeURL canonicalizes a URL so dedup works across trivially different
// spellings: scheme and host lowercased, tracking params removed, trailing
// slash trimmed.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	q := u.Query()
	for key := range q {
		if trackingParams[key] || strings.HasPrefix(key, "utm_") {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String(), nil
}

// DetectSourceType classifies a normalized URL. The caller's explicit type
// hint wins over detection.
func DetectSourceType(normalized string) string {
	u, err := url.Parse(normalized)
	if err != nil {
		return store.SourceArticle
	}
	host := strings.TrimPrefix(u.Host, "www.")
	switch {
	case host == "twitter.com" || host == "x.com":
		return store.SourceTweet
	case host == "youtube.com" || host == "youtu.be" || host == "vimeo.com" ||
		host == "m.youtube.com":
		return store.SourceVideo
	case strings.HasSuffix(strings.ToLower(u.Path), ".pdf"):
		return store.SourcePDF
	default:
		return store.SourceArticle
	}
}
