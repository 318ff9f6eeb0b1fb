package archive

import (
	"errors"
	"fmt"
)

// Resolution failure reasons. They are logged so the distinct fallback
// causes stay visible in diagnostics.
const (
	ReasonNotFound    = "MODULE_NOT_FOUND"
	ReasonArchiveIO   = "ARCHIVE_IO"
	ReasonTooMuchData = "TOO_MUCH_DATA"
	ReasonMalformed   = "MALFORMED"
	ReasonWasmCompile = "WASM_COMPILE"
)

var (
	ErrModuleNotFound = errors.New("module not found")
	ErrTooMuchData    = errors.New("too much data")
)

// ResolveError reports why a type could not be resolved.
type ResolveError struct {
	Name   string
	Reason string
	Err    error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("%s: type=%s: %v", e.Reason, e.Name, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// Reason extracts the failure reason from err, or "" if it carries none.
func Reason(err error) string {
	var re *ResolveError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}
