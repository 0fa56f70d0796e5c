// Package record defines how the pipeline looks at a sample record.
//
// Records are opaque NDJSON lines; the pipeline only ever resolves two
// fields on them: the integer sort key (the submission timestamp in the
// production deployment) and the string record ID used for
// deduplication. Both are addressed with slash-separated field paths so
// nothing here depends on the record schema.
package record

import (
	"fmt"
	"strings"
)

// FieldPath points into a nested JSON document. The textual form is
// slash-separated, e.g. "/metadata/submittedAtTimestamp".
type FieldPath []string

// ParseFieldPath parses the textual form. The path must start with '/'
// and have no empty segments.
func ParseFieldPath(s string) (FieldPath, error) {
	if !strings.HasPrefix(s, "/") {
		return nil, fmt.Errorf("field path %q must start with '/'", s)
	}
	parts := strings.Split(s[1:], "/")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("field path %q has an empty segment", s)
		}
	}
	return FieldPath(parts), nil
}

// MustFieldPath is ParseFieldPath for compile-time constant paths.
func MustFieldPath(s string) FieldPath {
	p, err := ParseFieldPath(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p FieldPath) String() string {
	return "/" + strings.Join(p, "/")
}
