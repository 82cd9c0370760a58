package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("convert: %w", ServiceRejected("bad xml"))

	assert.Equal(t, KindServiceRejected, KindOf(wrapped))
	assert.Equal(t, KindValidation, KindOf(ValidationError("empty")))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
}

func TestReasonOf(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("send: %w", NetworkError("email service unreachable", cause))

	assert.Equal(t, "email service unreachable", ReasonOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "busy", ReasonOf(errors.New("busy")))
	assert.Equal(t, "", ReasonOf(nil))
}

func TestWorkflowError_Error(t *testing.T) {
	assert.Equal(t, "validation: recipient is required", ValidationError("recipient is required").Error())
	assert.Equal(t, "ingestion: unreadable file: EOF", IngestionError("unreadable file", errors.New("EOF")).Error())
}

func TestEmailState_Open(t *testing.T) {
	assert.False(t, EmailState{Phase: EmailClosed}.Open())
	assert.True(t, EmailState{Phase: EmailComposing}.Open())
	assert.True(t, EmailState{Phase: EmailSending}.Open())
	assert.True(t, EmailState{Phase: EmailSendFailed}.Open())
	assert.False(t, EmailState{Phase: EmailSent}.Open())
}
