package verdexerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindsSatisfyErrorsAs(t *testing.T) {
	wrapped := fmt.Errorf("navigate: %w", &ElementNotFound{Ref: "e3"})

	var notFound *ElementNotFound
	assert.True(t, errors.As(wrapped, &notFound))
	assert.Equal(t, "e3", notFound.Ref)
}

func TestStaleElementMessageIncludesRoleAndName(t *testing.T) {
	err := &StaleElement{Ref: "e7", Role: "button", Name: "Submit"}
	assert.Contains(t, err.Error(), "e7")
	assert.Contains(t, err.Error(), "button")
	assert.Contains(t, err.Error(), "Submit")
}

func TestFrameInjectionErrorUnwraps(t *testing.T) {
	cause := errors.New("createIsolatedWorld failed")
	err := &FrameInjectionError{FrameID: "F1", Tier: "manual", Err: cause}
	assert.ErrorIs(t, err, cause)
}

func TestNavigationErrorUnwraps(t *testing.T) {
	cause := errors.New("timeout")
	err := &NavigationError{URL: "https://example.com", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "https://example.com")
}
