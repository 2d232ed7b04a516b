package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVendor_WrapsOnce(t *testing.T) {
	cause := errors.New("503 from vendor")

	err := Vendor("start", "ext-1", cause)
	assert.True(t, IsVendor(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "vendor call start(ext-1) failed: 503 from vendor", err.Error())

	wrapped := fmt.Errorf("dispatch: %w", err)
	again := Vendor("stop", "ext-2", wrapped)
	assert.Same(t, wrapped, again)

	assert.NoError(t, Vendor("create", "", nil))
}

func TestPoolExhaustedError(t *testing.T) {
	cause := &VendorCallError{Op: "create", Err: errors.New("quota")}
	err := error(&PoolExhaustedError{UserID: "u1", Err: cause})

	var pe *PoolExhaustedError
	assert.True(t, errors.As(err, &pe))
	assert.True(t, IsVendor(err))
	assert.Contains(t, err.Error(), "u1")
}

func TestIsInvalidTransition(t *testing.T) {
	err := fmt.Errorf("apply: %w", &InvalidTransitionError{Entity: "livestream", ID: "l1", From: "live", Event: "accept"})
	assert.True(t, IsInvalidTransition(err))
	assert.False(t, IsInvalidTransition(ErrNotFound))
}
