package ingestion

import (
	"crypto/sha256"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// InferredMetadata holds the category and domain inferred from a document's
// path or URL. Explicit CLI flags and request fields take precedence; this
// is the best-effort fallback when the caller doesn't specify them.
type InferredMetadata struct {
	// Category is the retrieval scope, usually the containing folder
	// (e.g. "equipment_health").
	Category string
	// Domain is the business domain (energy, finance, healthcare,
	// realestate, sports), empty when nothing matched.
	Domain string
}

// domainAliases maps path, host and file-name words to a canonical domain
// label.
var domainAliases = map[string]string{
	"energy":      "energy",
	"power":       "energy",
	"grid":        "energy",
	"utilities":   "energy",
	"finance":     "finance",
	"financial":   "finance",
	"banking":     "finance",
	"investment":  "finance",
	"investments": "finance",
	"markets":     "finance",
	"health":      "healthcare",
	"healthcare":  "healthcare",
	"medical":     "healthcare",
	"clinical":    "healthcare",
	"patients":    "healthcare",
	"realestate":  "realestate",
	"real_estate": "realestate",
	"property":    "realestate",
	"properties":  "realestate",
	"housing":     "realestate",
	"listings":    "realestate",
	"sports":      "sports",
	"sport":       "sports",
	"football":    "sports",
	"soccer":      "sports",
	"basketball":  "sports",
	"athletes":    "sports",
}

// InferMetadata inspects a file path or an http(s) URL and returns
// best-effort metadata. Unknown layouts yield empty fields.
//
// Supported layouts:
//
//	<any>/<domain>/<category>/<file>     e.g. data/energy/equipment_health/t7.txt
//	<any>/<category>/<file>              category from the parent folder
//	https://<host>/<...>/<category>/<page>
//	https://<domain-word>.<host>/...     domain from a host label
func InferMetadata(pathOrURL string) InferredMetadata {
	var m InferredMetadata
	if pathOrURL == "" {
		return m
	}

	var dirs []string
	if u, err := url.Parse(pathOrURL); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		for _, label := range strings.Split(strings.ToLower(u.Hostname()), ".") {
			if d, ok := domainAliases[label]; ok {
				m.Domain = d
				break
			}
		}
		segments := trimSegments(strings.ToLower(u.Path))
		if len(segments) > 0 {
			dirs = segments[:len(segments)-1]
		}
	} else {
		clean := filepath.ToSlash(filepath.Clean(pathOrURL))
		segments := trimSegments(clean)
		if len(segments) > 0 {
			dirs = segments[:len(segments)-1]
		}
	}

	for _, seg := range dirs {
		if d, ok := domainAliases[normalizeLabel(seg)]; ok {
			m.Domain = d
		}
	}
	if len(dirs) > 0 {
		parent := normalizeLabel(dirs[len(dirs)-1])
		if _, isDomain := domainAliases[parent]; !isDomain && parent != "." && parent != ".." {
			m.Category = parent
		}
	}
	return m
}

// DocumentID derives a stable document identifier from its source, so
// re-ingesting the same file or URL replaces the previous version.
func DocumentID(source string) string {
	h := sha256.Sum256([]byte(strings.TrimSpace(source)))
	return fmt.Sprintf("%x", h[:16])
}

// normalizeLabel lower-cases s and maps spaces and hyphens to underscores.
func normalizeLabel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}

// trimSegments splits a slash-separated path into non-empty segments.
func trimSegments(path string) []string {
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" && p != "." {
			out = append(out, p)
		}
	}
	return out
}
