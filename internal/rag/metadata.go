package rag

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Recognised metadata keys. They are also the payload/column names used by
// the index backends.
const (
	KeyCategory  = "category"
	KeyDomain    = "domain"
	KeySource    = "source"
	KeyTimestamp = "timestamp"
	KeyTags      = "tags"
)

const (
	maxMetaValueLen = 512
	maxExtraKeys    = 32
)

// reservedKeys are payload names Extra may not shadow.
var reservedKeys = []string{
	KeyCategory, KeyDomain, KeySource, KeyTimestamp, KeyTags,
	"doc_id", "chunk_index", "content", "model", "record_id",
}

// Metadata is the typed mapping attached to documents and inherited by chunks.
type Metadata struct {
	// Category scopes retrieval (e.g. "equipment_health").
	Category string `json:"category,omitempty" yaml:"category"`
	// Domain names the business domain (e.g. "energy").
	Domain string `json:"domain,omitempty" yaml:"domain"`
	// Timestamp is when the source was produced or processed.
	Timestamp time.Time `json:"timestamp,omitzero" yaml:"timestamp"`
	// Tags are free-form labels; a filter matches when all its tags are present.
	Tags []string `json:"tags,omitempty" yaml:"tags"`
	// Extra holds any additional string keys.
	Extra map[string]string `json:"extra,omitempty" yaml:"extra"`
}

// Validate checks metadata at ingestion time.
func (m Metadata) Validate() error {
	for _, v := range []string{m.Category, m.Domain} {
		if len(v) > maxMetaValueLen {
			return Malformedf("metadata value exceeds %d bytes", maxMetaValueLen)
		}
	}
	for _, t := range m.Tags {
		if strings.TrimSpace(t) == "" {
			return Malformedf("metadata tag must not be empty")
		}
		if strings.Contains(t, ",") {
			return Malformedf("metadata tag %q must not contain a comma", t)
		}
	}
	if len(m.Extra) > maxExtraKeys {
		return Malformedf("metadata has %d extra keys, limit is %d", len(m.Extra), maxExtraKeys)
	}
	for k, v := range m.Extra {
		if k == "" {
			return Malformedf("metadata extra key must not be empty")
		}
		if slices.Contains(reservedKeys, strings.ToLower(k)) {
			return Malformedf("metadata extra key %q shadows a reserved key", k)
		}
		if len(v) > maxMetaValueLen {
			return Malformedf("metadata extra %q exceeds %d bytes", k, maxMetaValueLen)
		}
	}
	return nil
}

// Flatten renders metadata as a flat string map, the form persisted by
// backends that store string payloads. source is included when non-empty.
func (m Metadata) Flatten(source string) map[string]string {
	out := make(map[string]string, len(m.Extra)+5)
	for k, v := range m.Extra {
		out[k] = v
	}
	if source != "" {
		out[KeySource] = source
	}
	if m.Category != "" {
		out[KeyCategory] = m.Category
	}
	if m.Domain != "" {
		out[KeyDomain] = m.Domain
	}
	if !m.Timestamp.IsZero() {
		out[KeyTimestamp] = m.Timestamp.UTC().Format(time.RFC3339)
	}
	if len(m.Tags) > 0 {
		out[KeyTags] = strings.Join(m.Tags, ",")
	}
	return out
}

// Unflatten is the inverse of Flatten. It returns the metadata and source.
func Unflatten(flat map[string]string) (Metadata, string) {
	var m Metadata
	var source string
	for k, v := range flat {
		switch k {
		case KeySource:
			source = v
		case KeyCategory:
			m.Category = v
		case KeyDomain:
			m.Domain = v
		case KeyTimestamp:
			if ts, err := time.Parse(time.RFC3339, v); err == nil {
				m.Timestamp = ts
			}
		case KeyTags:
			if v != "" {
				m.Tags = strings.Split(v, ",")
			}
		default:
			if m.Extra == nil {
				m.Extra = make(map[string]string)
			}
			m.Extra[k] = v
		}
	}
	return m, source
}

// Filter restricts a query. Every non-empty field must match.
type Filter struct {
	DocumentID string            `json:"documentId,omitempty"`
	Category   string            `json:"category,omitempty"`
	Domain     string            `json:"domain,omitempty"`
	Source     string            `json:"source,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// IsZero reports whether the filter matches everything.
func (f Filter) IsZero() bool {
	return f.DocumentID == "" && f.Category == "" && f.Domain == "" &&
		f.Source == "" && len(f.Tags) == 0 && len(f.Extra) == 0
}

// Match reports whether chunk c satisfies the filter.
func (f Filter) Match(c Chunk) bool {
	if f.DocumentID != "" && c.DocumentID != f.DocumentID {
		return false
	}
	if f.Category != "" && c.Metadata.Category != f.Category {
		return false
	}
	if f.Domain != "" && c.Metadata.Domain != f.Domain {
		return false
	}
	if f.Source != "" && c.Source != f.Source {
		return false
	}
	for _, t := range f.Tags {
		if !slices.Contains(c.Metadata.Tags, t) {
			return false
		}
	}
	for k, v := range f.Extra {
		if c.Metadata.Extra[k] != v {
			return false
		}
	}
	return true
}

// String renders the filter for logs.
func (f Filter) String() string {
	if f.IsZero() {
		return "none"
	}
	var parts []string
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+"="+v)
		}
	}
	add("doc", f.DocumentID)
	add(KeyCategory, f.Category)
	add(KeyDomain, f.Domain)
	add(KeySource, f.Source)
	if len(f.Tags) > 0 {
		add(KeyTags, strings.Join(f.Tags, "+"))
	}
	keys := make([]string, 0, len(f.Extra))
	for k := range f.Extra {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		add(k, strconv.Quote(f.Extra[k]))
	}
	return strings.Join(parts, ",")
}

// ParseFilter parses "key=value" pairs as accepted by the CLI --where flag.
// Recognised keys map to typed fields; anything else lands in Extra.
func ParseFilter(pairs []string) (Filter, error) {
	var f Filter
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return Filter{}, fmt.Errorf("rag: filter %q must be key=value", p)
		}
		switch k {
		case "doc", "doc_id":
			f.DocumentID = v
		case KeyCategory:
			f.Category = v
		case KeyDomain:
			f.Domain = v
		case KeySource:
			f.Source = v
		case "tag", KeyTags:
			f.Tags = append(f.Tags, v)
		default:
			if f.Extra == nil {
				f.Extra = make(map[string]string)
			}
			f.Extra[k] = v
		}
	}
	return f, nil
}
