package retrieval

import (
	"errors"
	"fmt"
	"strings"
)

// ErrIndexUnavailable indicates the underlying vector or keyword store could
// not be reached. Callers may retry with backoff. It is always distinguishable
// from an empty result set.
var ErrIndexUnavailable = errors.New("retrieval: index unavailable")

// ErrEmbeddingUnavailable indicates the embedding provider failed or could
// not be reached. Callers may retry with backoff.
var ErrEmbeddingUnavailable = errors.New("retrieval: embedding provider unavailable")

// InvalidFilterError indicates a filter referenced an unsupported metadata
// key or carried a malformed value. Not retryable: the request itself is bad.
type InvalidFilterError struct {
	// Key is the offending filter key.
	Key string
	// Reason describes what is wrong with it.
	Reason string
}

func (e *InvalidFilterError) Error() string {
	return fmt.Sprintf("retrieval: invalid filter %q: %s", e.Key, e.Reason)
}

// ParseFilter builds a Filter from loosely-typed request parameters.
// Supported keys:
//
//	as_of     - ISO-8601 calendar date the chunk must be in force on
//	doc_type  - single document type
//	doc_types - comma-separated list of document types
//	source    - exact source document name
//
// Unknown keys fail with [InvalidFilterError] rather than being ignored, so
// a typo in a caller's filter never silently widens the search.
func ParseFilter(params map[string]string) (Filter, error) {
	var f Filter
	for key, val := range params {
		switch key {
		case "as_of":
			d, err := NormalizeDate(val)
			if err != nil {
				return Filter{}, &InvalidFilterError{Key: key, Reason: err.Error()}
			}
			f.AsOf = &d
		case "doc_type":
			t := DocType(val)
			if !ValidDocType(t) {
				return Filter{}, &InvalidFilterError{Key: key, Reason: fmt.Sprintf("unknown document type %q", val)}
			}
			f.DocTypes = append(f.DocTypes, t)
		case "doc_types":
			for _, part := range strings.Split(val, ",") {
				t := DocType(strings.TrimSpace(part))
				if !ValidDocType(t) {
					return Filter{}, &InvalidFilterError{Key: key, Reason: fmt.Sprintf("unknown document type %q", part)}
				}
				f.DocTypes = append(f.DocTypes, t)
			}
		case "source":
			if val == "" {
				return Filter{}, &InvalidFilterError{Key: key, Reason: "empty source"}
			}
			f.Sources = append(f.Sources, val)
		default:
			return Filter{}, &InvalidFilterError{Key: key, Reason: "unsupported metadata key"}
		}
	}
	return f, nil
}
