package models

import "time"

// UnknownMarker stands in for a metadata field that could not be located.
const UnknownMarker = "Unknown"

// DocumentText is the live XML payload the workflow operates on.
type DocumentText string

// SourceFile describes the file the current document was read from.
type SourceFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// ConversionPhase is the progress of the conversion workflow.
type ConversionPhase string

const (
	ConversionIdle      ConversionPhase = "idle"
	ConversionRunning   ConversionPhase = "converting"
	ConversionFailed    ConversionPhase = "conversion_failed"
	ConversionSucceeded ConversionPhase = "conversion_succeeded"
)

// ConversionState is the active conversion phase plus the failure reason, if any.
type ConversionState struct {
	Phase  ConversionPhase `json:"phase"`
	Reason string          `json:"reason,omitempty"`
}

// EmailPhase is the progress of the email flow.
type EmailPhase string

const (
	EmailClosed     EmailPhase = "closed"
	EmailComposing  EmailPhase = "composing"
	EmailSending    EmailPhase = "sending"
	EmailSendFailed EmailPhase = "send_failed"
	EmailSent       EmailPhase = "sent"
)

// EmailState is the active email phase. Recipient holds the draft address.
type EmailState struct {
	Phase     EmailPhase `json:"phase"`
	Recipient string     `json:"recipient,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Open reports whether the compose panel is showing.
func (s EmailState) Open() bool {
	return s.Phase == EmailComposing || s.Phase == EmailSending || s.Phase == EmailSendFailed
}

// Metadata is the best-effort information pulled from a document for the email.
type Metadata struct {
	ID        string `json:"ID"`
	IssueDate string `json:"IssueDate"`
}

// Subject returns the email subject line for the document.
func (m Metadata) Subject() string {
	return "Despatch Advice - " + m.ID
}

// Session is the signed-in user context. It is created at sign-in and
// destroyed at sign-out.
type Session struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Picture    string    `json:"picture,omitempty"`
	SignedInAt time.Time `json:"signed_in_at"`
}

// Snapshot is a read-only view of the workflow for the presentation layer.
type Snapshot struct {
	Session     Session         `json:"session"`
	HasDocument bool            `json:"has_document"`
	Document    DocumentText    `json:"document,omitempty"`
	Source      *SourceFile     `json:"source,omitempty"`
	Generation  uint64          `json:"generation"`
	Conversion  ConversionState `json:"conversion"`
	Email       EmailState      `json:"email"`
	LastSentTo  string          `json:"last_sent_to,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// EventType names what happened in a WorkflowEvent.
type EventType string

const (
	EventIngested          EventType = "ingested"
	EventIngestFailed      EventType = "ingest_failed"
	EventConversionStarted EventType = "conversion_started"
	EventConverted         EventType = "converted"
	EventConversionFailed  EventType = "conversion_failed"
	EventComposeOpened     EventType = "compose_opened"
	EventComposeClosed     EventType = "compose_closed"
	EventSending           EventType = "sending"
	EventSent              EventType = "sent"
	EventSendFailed        EventType = "send_failed"
	EventReset             EventType = "reset"
)

// WorkflowEvent is sent to subscribers (websocket clients, CLI) on every transition.
type WorkflowEvent struct {
	Type       EventType       `json:"type"`
	SessionID  string          `json:"session_id"`
	Generation uint64          `json:"generation"`
	Conversion ConversionState `json:"conversion"`
	Email      EmailState      `json:"email"`
	Message    string          `json:"message,omitempty"`
	Error      string          `json:"error,omitempty"`
	At         time.Time       `json:"at"`
}
