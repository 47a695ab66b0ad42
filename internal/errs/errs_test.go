package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPredicatesSeeThroughWrapping(t *testing.T) {
	v := fmt.Errorf("execute: %w", Validation("template", "required by %s", "create-prd"))
	assert.True(t, IsValidation(v))
	assert.False(t, IsTransport(v))
	assert.Equal(t, "execute: validation: template: required by create-prd", v.Error())

	tr := fmt.Errorf("call: %w", &TransportError{Op: "execute", Err: context.DeadlineExceeded})
	assert.True(t, IsTransport(tr))
	assert.True(t, errors.Is(tr, context.DeadlineExceeded))

	p := &ProtocolError{Reason: "unknown result type \"x\""}
	assert.True(t, IsProtocol(p))
	assert.Equal(t, `protocol: unknown result type "x"`, p.Error())

	nf := NotFound("handoff", "h-1")
	assert.True(t, IsNotFound(nf))
	assert.Equal(t, `handoff "h-1" not found`, nf.Error())
}

func TestTransportErrorIncludesStatus(t *testing.T) {
	err := &TransportError{Op: "execute", StatusCode: 502, Err: errors.New("bad gateway")}
	assert.Equal(t, "transport: execute: status 502: bad gateway", err.Error())
}
