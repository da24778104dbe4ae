package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Registry.Lookup", ErrToolNotFound, "tool 'foo'")
	want := "Registry.Lookup: tool 'foo': tool not found"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Writer.Write", ErrStreamClosed, "")
	want := "Writer.Write: stream closed"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Gate.Decide", ErrApprovalNotPending, "call-1")
	if !errors.Is(err, ErrApprovalNotPending) {
		t.Error("errors.Is should match ErrApprovalNotPending")
	}
}

func TestDomainErrorAs(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewDomainError("Reconciler.Reconcile", ErrPersistence, "msg-1"))
	var de *DomainError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "Reconciler.Reconcile", de.Op)
}

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeToolNotFound, ErrorCodeOf(ErrToolNotFound))
	assert.Equal(t, CodeMessageNotFound, ErrorCodeOf(ErrMessageNotFound))
	assert.Equal(t, CodeRateLimit, ErrorCodeOf(ErrRateLimit))
	assert.Equal(t, CodeForbidden, ErrorCodeOf(ErrForbidden))
}

func TestErrorCodeOf_DomainError(t *testing.T) {
	err := NewDomainError("Gate.Decide", ErrApprovalAlreadyDecided, "call-1")
	assert.Equal(t, CodeApprovalDecided, ErrorCodeOf(err))
	assert.Equal(t, CodeApprovalDecided, err.Code())
}

func TestErrorCodeOf_WrappedError(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", ErrInvalidTransition)
	assert.Equal(t, CodeInvalidTransition, ErrorCodeOf(wrapped))
}

func TestErrorCodeOf_UnknownError(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(fmt.Errorf("some random error")))
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
	assert.Equal(t, CodeUnknown, NewDomainError("Op", fmt.Errorf("custom"), "detail").Code())
}

func TestAllSentinelsHaveCodes(t *testing.T) {
	require.NotEmpty(t, errorCodeMap)
	for sentinel, code := range errorCodeMap {
		assert.NotEmpty(t, code, "sentinel %v has empty code", sentinel)
		assert.NotEqual(t, CodeUnknown, code, "sentinel %v maps to UNKNOWN", sentinel)
	}
}

func TestAuthSentinel_GatewayWrapsAuthInvalid(t *testing.T) {
	assert.True(t, errors.Is(ErrGatewayAuthFailed, ErrAuthInvalid))
	assert.Equal(t, CodeGatewayAuth, ErrorCodeOf(ErrGatewayAuthFailed))
	assert.Equal(t, CodeGatewayAuth, ErrorCodeOf(fmt.Errorf("upgrade: %w", ErrGatewayAuthFailed)))
}

func TestWrapOp(t *testing.T) {
	assert.Nil(t, WrapOp("anything", nil))

	inner := WrapOp("inner", ErrToolFailure)
	outer := WrapOp("outer", inner)
	assert.Equal(t, "outer: inner: tool execution failed", outer.Error())
	assert.True(t, errors.Is(outer, ErrToolFailure))
	assert.Equal(t, CodeToolFailure, ErrorCodeOf(outer))
}
