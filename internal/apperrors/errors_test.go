package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindValidation, KindOf(Validation("RouteOrder", "bad id %d", 0)))
	assert.Equal(t, KindConcurrencyConflict, KindOf(fmt.Errorf("wrapped: %w", Conflict("op", "pending exists"))))
	assert.Equal(t, KindTransientInfra, KindOf(errors.New("connection reset")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestErrorsIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("route: %w", NoEligibleVendor("RouteOrder", "order %d", 7))

	assert.True(t, errors.Is(err, ErrNoEligibleVendor))
	assert.False(t, errors.Is(err, ErrConflict))
}

func TestTransientKeepsExistingClassification(t *testing.T) {
	perm := Permanent("op", "exhausted")
	assert.Same(t, perm, Transient("outer", perm))

	raw := errors.New("timeout")
	wrapped := Transient("Store.Get", raw)
	assert.True(t, errors.Is(wrapped, raw))
	assert.True(t, IsRetryable(wrapped))
	assert.Nil(t, Transient("op", nil))
}

func TestIsAlert(t *testing.T) {
	assert.True(t, IsAlert(NoEligibleVendor("op", "none")))
	assert.True(t, IsAlert(Permanent("op", "dead")))
	assert.False(t, IsAlert(Conflict("op", "busy")))
	assert.False(t, IsAlert(errors.New("io")))
}

func TestErrorString(t *testing.T) {
	err := &Error{Kind: KindTransientInfra, Op: "Store.Get", Msg: "load order", Err: errors.New("eof")}
	assert.Equal(t, "Store.Get: TransientInfraError: load order: eof", err.Error())
}
