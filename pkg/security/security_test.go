package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/devinsight/analysis-jobs/pkg/core"
)

func TestValidateOwnerID(t *testing.T) {
	assert.NoError(t, ValidateOwnerID("user-123"))
	assert.NoError(t, ValidateOwnerID("auth0|5f7c8ec7c33c6c004bbafe82"))
	assert.NoError(t, ValidateOwnerID("alice@example.com"))

	assert.ErrorIs(t, ValidateOwnerID(""), core.ErrInvalidOwnerID)
	assert.ErrorIs(t, ValidateOwnerID("-leading-dash"), core.ErrInvalidOwnerID)
	assert.ErrorIs(t, ValidateOwnerID("has space"), core.ErrInvalidOwnerID)
	assert.ErrorIs(t, ValidateOwnerID(strings.Repeat("a", MaxOwnerIDLength+1)), core.ErrOwnerIDTooLong)
}

func TestValidateSubjectRef(t *testing.T) {
	assert.NoError(t, ValidateSubjectRef("https://github.com/acme/widget"))
	assert.NoError(t, ValidateSubjectRef("git@github.com:acme/widget.git"))

	assert.ErrorIs(t, ValidateSubjectRef(""), core.ErrInvalidSubjectRef)
	assert.ErrorIs(t, ValidateSubjectRef("   "), core.ErrInvalidSubjectRef)
	assert.ErrorIs(t, ValidateSubjectRef("bad\nref"), core.ErrInvalidSubjectRef)
	assert.ErrorIs(t, ValidateSubjectRef(strings.Repeat("x", MaxSubjectRefLength+1)), core.ErrSubjectRefTooLong)
}

func TestSanitizeErrorMessage(t *testing.T) {
	assert.Equal(t, "", SanitizeErrorMessage(""))
	assert.Equal(t, "plain message", SanitizeErrorMessage("plain message"))
	assert.Equal(t, "with\nnewline", SanitizeErrorMessage("with\nnewline"))
	assert.Equal(t, "nullstripped", SanitizeErrorMessage("null\x00stripped"))

	long := strings.Repeat("e", MaxErrorMessageLength+100)
	got := SanitizeErrorMessage(long)
	assert.Len(t, got, MaxErrorMessageLength)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestClampAttempts(t *testing.T) {
	assert.Equal(t, 1, ClampAttempts(0))
	assert.Equal(t, 1, ClampAttempts(-5))
	assert.Equal(t, 3, ClampAttempts(3))
	assert.Equal(t, MaxStageAttempts, ClampAttempts(50))
}

func TestClampConcurrency(t *testing.T) {
	assert.Equal(t, 1, ClampConcurrency(0))
	assert.Equal(t, 4, ClampConcurrency(4))
	assert.Equal(t, MaxConcurrency, ClampConcurrency(10000))
}
