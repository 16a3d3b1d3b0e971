package slot

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies a failure. The HTTP layer maps kinds to status codes;
// everything below the boundary works with kinds, never with formatted
// strings.
type Kind string

const (
	KindModelNotFound      Kind = "model_not_found"
	KindModelUnavailable   Kind = "model_unavailable"
	KindModelLoadTimeout   Kind = "model_load_timeout"
	KindModelLoadFailed    Kind = "model_load_failed"
	KindInferenceTimeout   Kind = "inference_timeout"
	KindInferenceFailed    Kind = "inference_failed"
	KindDownloadFailed     Kind = "download_failed"
	KindStorageAccessDenied Kind = "storage_access_denied"
	KindOutOfResources     Kind = "out_of_resources"
)

// Error is a structured failure carrying a kind plus diagnostic context
// (file path, size, elapsed time and the like). Formatting for humans
// happens at the boundary only.
type Error struct {
	Kind    Kind
	Msg     string
	Context map[string]any
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(" ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Context[k])
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// newError constructs an Error; kv is alternating key/value context pairs.
func newError(kind Kind, msg string, cause error, kv ...any) *Error {
	e := &Error{Kind: kind, Msg: msg, Err: cause}
	if len(kv) > 0 {
		e.Context = make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			k, ok := kv[i].(string)
			if !ok {
				continue
			}
			e.Context[k] = kv[i+1]
		}
	}
	return e
}

// KindOf extracts the taxonomy kind from err, or "" for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

// ErrModelNotFound builds the not-found error for an unknown id.
func ErrModelNotFound(id string) error {
	return newError(KindModelNotFound, "model not found: "+id, nil)
}

// IsModelNotFound reports whether the error indicates a missing model id.
func IsModelNotFound(err error) bool { return IsKind(err, KindModelNotFound) }

// ErrTooBusy builds the backpressure error for a model id.
func ErrTooBusy(id string) error { return tooBusyError{modelID: id} }

// tooBusyError signals admission timeout/overflow for 429 mapping.
type tooBusyError struct{ modelID string }

func (e tooBusyError) Error() string { return "too busy: " + e.modelID }

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool {
	var e tooBusyError
	return errors.As(err, &e)
}
