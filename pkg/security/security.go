package security

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/devinsight/analysis-jobs/pkg/core"
)

// Limits applied before anything reaches storage
const (
	// MaxOwnerIDLength is the maximum length for owner identifiers
	MaxOwnerIDLength = 255

	// MaxSubjectRefLength is the maximum length for subject references
	MaxSubjectRefLength = 2048

	// MaxStageAttempts is the hard limit for per-stage attempts
	MaxStageAttempts = 10

	// MaxConcurrency is the hard limit for orchestrator concurrency
	MaxConcurrency = 256

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096
)

// validOwnerID matches alphanumeric identifiers with common separators
var validOwnerID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_\-\.@|:]*$`)

// ValidateOwnerID validates an owner identifier
func ValidateOwnerID(id string) error {
	if id == "" {
		return core.ErrInvalidOwnerID
	}
	if len(id) > MaxOwnerIDLength {
		return core.ErrOwnerIDTooLong
	}
	if !validOwnerID.MatchString(id) {
		return core.ErrInvalidOwnerID
	}
	return nil
}

// ValidateSubjectRef validates a subject reference (typically a repository
// URL). The reference must be printable, single-line text.
func ValidateSubjectRef(ref string) error {
	if strings.TrimSpace(ref) == "" {
		return core.ErrInvalidSubjectRef
	}
	if len(ref) > MaxSubjectRefLength {
		return core.ErrSubjectRefTooLong
	}
	for _, r := range ref {
		if r < 32 || r == 127 {
			return core.ErrInvalidSubjectRef
		}
	}
	return nil
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	// Truncate if too long
	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ClampAttempts ensures the per-stage attempt bound is within limits
func ClampAttempts(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxStageAttempts {
		return MaxStageAttempts
	}
	return n
}

// ClampConcurrency ensures concurrency is within limits
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}
