// Package workflow owns the document conversion state machine: which document
// is live, whether a conversion or email is running, and what the
// presentation layer should show.
package workflow

import (
	"context"
	"strings"
	"sync"
	"time"

	"despatchflow/internal/extractor"
	"despatchflow/internal/history"
	"despatchflow/internal/ingest"
	"despatchflow/internal/models"
	"github.com/rs/zerolog"
)

// Ingester reads a file handle into document text.
type Ingester interface {
	Ingest(ctx context.Context, h ingest.Handle) (models.DocumentText, models.SourceFile, error)
}

// Converter calls the remote conversion service.
type Converter interface {
	Convert(ctx context.Context, text models.DocumentText) (models.DocumentText, error)
}

// Sender calls the remote email service.
type Sender interface {
	Send(ctx context.Context, recipient string, text models.DocumentText, meta models.Metadata) error
}

// Option configures a Controller.
type Option func(*Controller)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

func WithIngester(i Ingester) Option {
	return func(c *Controller) { c.ingester = i }
}

// WithHistory records completed conversions and emails in store.
func WithHistory(store history.Store) Option {
	return func(c *Controller) { c.history = store }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

const subscriberBuffer = 32

// Controller is the single owner of the live document and the workflow
// states. All methods are safe for concurrent use; network calls run
// without holding the lock.
type Controller struct {
	session   models.Session
	ingester  Ingester
	converter Converter
	sender    Sender
	history   history.Store
	logger    zerolog.Logger
	now       func() time.Time

	mu         sync.Mutex
	doc        models.DocumentText
	hasDoc     bool
	source     *models.SourceFile
	generation uint64 // bumped on every document assignment and on reset
	ingestSeq  uint64 // bumped when an ingestion starts and on reset
	resets     uint64
	conversion models.ConversionState
	email      models.EmailState
	lastSentTo string
	updatedAt  time.Time
	cancelConv context.CancelFunc
	closed     bool

	subs    map[int]chan models.WorkflowEvent
	nextSub int
}

// New creates a controller for session.
func New(session models.Session, converter Converter, sender Sender, opts ...Option) *Controller {
	c := &Controller{
		session:    session,
		converter:  converter,
		sender:     sender,
		logger:     zerolog.Nop(),
		now:        time.Now,
		conversion: models.ConversionState{Phase: models.ConversionIdle},
		email:      models.EmailState{Phase: models.EmailClosed},
		subs:       make(map[int]chan models.WorkflowEvent),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ingester == nil {
		c.ingester = ingest.NewAdapter(0)
	}
	c.logger = c.logger.With().Str("session_id", session.ID).Logger()
	c.updatedAt = c.now()
	return c
}

// Session returns the signed-in user the controller belongs to.
func (c *Controller) Session() models.Session {
	return c.session
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() models.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := models.Snapshot{
		Session:     c.session,
		HasDocument: c.hasDoc,
		Document:    c.doc,
		Generation:  c.generation,
		Conversion:  c.conversion,
		Email:       c.email,
		LastSentTo:  c.lastSentTo,
		UpdatedAt:   c.updatedAt,
	}
	if c.source != nil {
		src := *c.source
		s.Source = &src
	}
	return s
}

// Ingest reads h and makes it the live document. It is rejected while a
// conversion runs. If a newer ingestion starts before this one finishes,
// this one is discarded with models.ErrSuperseded. A failed read leaves the
// held document untouched.
func (c *Controller) Ingest(ctx context.Context, h ingest.Handle) error {
	c.mu.Lock()
	if c.conversion.Phase == models.ConversionRunning {
		c.mu.Unlock()
		return models.ErrBusy
	}
	c.ingestSeq++
	ticket := c.ingestSeq
	c.mu.Unlock()

	doc, src, err := c.ingester.Ingest(ctx, h)

	c.mu.Lock()
	defer c.mu.Unlock()

	if ticket != c.ingestSeq {
		c.logger.Debug().Str("file", src.Name).Msg("discarding superseded ingestion")
		return models.ErrSuperseded
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("file", src.Name).Msg("ingestion failed")
		c.publishLocked(models.EventIngestFailed, "", models.ReasonOf(err))
		return err
	}
	if c.conversion.Phase == models.ConversionRunning {
		return models.ErrBusy
	}

	c.doc = doc
	c.hasDoc = true
	c.source = &src
	c.generation++
	c.conversion = models.ConversionState{Phase: models.ConversionIdle}
	switch c.email.Phase {
	case models.EmailSendFailed:
		c.email = models.EmailState{Phase: models.EmailComposing, Recipient: c.email.Recipient}
	case models.EmailSent:
		c.email = models.EmailState{Phase: models.EmailClosed}
	}
	c.touchLocked()

	c.logger.Info().Str("file", src.Name).Int64("size", src.Size).Uint64("generation", c.generation).Msg("document ingested")
	c.publishLocked(models.EventIngested, "loaded "+src.Name, "")
	return nil
}

// Convert sends the live document to the conversion service and, on
// success, replaces it with the despatch advice. Only one conversion runs at
// a time; a second call while one is in flight returns models.ErrBusy.
func (c *Controller) Convert(ctx context.Context) error {
	c.mu.Lock()
	if c.conversion.Phase == models.ConversionRunning {
		c.mu.Unlock()
		return models.ErrBusy
	}
	if !c.hasDoc || strings.TrimSpace(string(c.doc)) == "" {
		err := models.ValidationError("no document to convert")
		c.conversion = models.ConversionState{Phase: models.ConversionFailed, Reason: err.Reason()}
		c.touchLocked()
		c.publishLocked(models.EventConversionFailed, "", err.Reason())
		c.mu.Unlock()
		return err
	}

	gen := c.generation
	text := c.doc
	convCtx, cancel := context.WithCancel(ctx)
	c.cancelConv = cancel
	c.conversion = models.ConversionState{Phase: models.ConversionRunning}
	c.touchLocked()
	c.publishLocked(models.EventConversionStarted, "converting", "")
	c.mu.Unlock()

	start := c.now()
	out, err := c.converter.Convert(convCtx, text)
	cancel()

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		c.logger.Debug().Uint64("generation", gen).Msg("discarding superseded conversion result")
		return models.ErrSuperseded
	}
	c.cancelConv = nil

	if err != nil {
		reason := models.ReasonOf(err)
		c.conversion = models.ConversionState{Phase: models.ConversionFailed, Reason: reason}
		c.touchLocked()
		c.publishLocked(models.EventConversionFailed, "", reason)
		c.mu.Unlock()
		c.logger.Warn().Err(err).Str("kind", string(models.KindOf(err))).Msg("conversion failed")
		return err
	}

	c.doc = out
	c.generation++
	c.conversion = models.ConversionState{Phase: models.ConversionSucceeded}
	c.touchLocked()

	meta := extractor.Extract(string(out))
	c.publishLocked(models.EventConverted, "despatch advice "+meta.ID, "")
	entry := c.entryLocked(history.KindConverted, meta, "")
	c.mu.Unlock()

	c.logger.Info().Str("despatch_id", meta.ID).Dur("elapsed", c.now().Sub(start)).Msg("document converted")
	c.record(entry)
	return nil
}

// OpenCompose opens the email composer for the live document.
func (c *Controller) OpenCompose() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conversion.Phase == models.ConversionRunning {
		return models.ErrBusy
	}
	if !c.hasDoc {
		return models.ValidationError("no document to email")
	}
	if c.email.Open() {
		return nil
	}
	c.email = models.EmailState{Phase: models.EmailComposing}
	c.touchLocked()
	c.publishLocked(models.EventComposeOpened, "", "")
	return nil
}

// CancelCompose closes the composer without sending.
func (c *Controller) CancelCompose() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.email.Phase == models.EmailSending {
		return models.ValidationError("email is being sent")
	}
	if c.email.Phase == models.EmailClosed {
		return nil
	}
	c.email = models.EmailState{Phase: models.EmailClosed}
	c.touchLocked()
	c.publishLocked(models.EventComposeClosed, "", "")
	return nil
}

// Send emails the live document to recipient. Metadata is extracted from the
// document as it is at the moment of the call, so a conversion that finished
// while the composer was open is what gets sent.
func (c *Controller) Send(ctx context.Context, recipient string) error {
	recipient = strings.TrimSpace(recipient)

	c.mu.Lock()
	switch c.email.Phase {
	case models.EmailComposing, models.EmailSendFailed:
	case models.EmailSending:
		c.mu.Unlock()
		return models.ValidationError("email is already being sent")
	default:
		c.mu.Unlock()
		return models.ValidationError("email composer is not open")
	}
	if c.conversion.Phase == models.ConversionRunning {
		c.mu.Unlock()
		return models.ErrBusy
	}
	if recipient == "" || !c.hasDoc {
		err := models.ValidationError("recipient email is required")
		if !c.hasDoc {
			err = models.ValidationError("no document to email")
		}
		c.email = models.EmailState{Phase: models.EmailSendFailed, Recipient: recipient, Reason: err.Reason()}
		c.touchLocked()
		c.publishLocked(models.EventSendFailed, "", err.Reason())
		c.mu.Unlock()
		return err
	}

	text := c.doc
	meta := extractor.Extract(string(text))
	resets := c.resets
	c.email = models.EmailState{Phase: models.EmailSending, Recipient: recipient}
	c.touchLocked()
	c.publishLocked(models.EventSending, "sending to "+recipient, "")
	c.mu.Unlock()

	err := c.sender.Send(ctx, recipient, text, meta)

	c.mu.Lock()
	if resets != c.resets {
		c.mu.Unlock()
		c.logger.Debug().Str("recipient", recipient).Msg("workflow reset while sending")
		return err
	}

	if err != nil {
		reason := models.ReasonOf(err)
		c.email = models.EmailState{Phase: models.EmailSendFailed, Recipient: recipient, Reason: reason}
		c.touchLocked()
		c.publishLocked(models.EventSendFailed, "", reason)
		c.mu.Unlock()
		c.logger.Warn().Err(err).Str("kind", string(models.KindOf(err))).Msg("email failed")
		return err
	}

	c.lastSentTo = recipient
	c.email = models.EmailState{Phase: models.EmailSent, Recipient: recipient}
	c.publishLocked(models.EventSent, "sent to "+recipient, "")
	entry := c.entryLocked(history.KindEmailed, meta, recipient)

	c.email = models.EmailState{Phase: models.EmailClosed}
	c.touchLocked()
	c.publishLocked(models.EventComposeClosed, "", "")
	c.mu.Unlock()

	c.record(entry)
	return nil
}

// Reset starts over: the document, source file and both states are cleared
// and any in-flight conversion is cancelled and its result discarded.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	c.publishLocked(models.EventReset, "", "")
}

func (c *Controller) resetLocked() {
	if c.cancelConv != nil {
		c.cancelConv()
		c.cancelConv = nil
	}
	c.doc = ""
	c.hasDoc = false
	c.source = nil
	c.generation++
	c.ingestSeq++
	c.resets++
	c.conversion = models.ConversionState{Phase: models.ConversionIdle}
	c.email = models.EmailState{Phase: models.EmailClosed}
	c.lastSentTo = ""
	c.touchLocked()
}

// Close resets the workflow and ends all subscriptions. It is called when
// the session is destroyed.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.resetLocked()
	c.closed = true
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
}

// Subscribe returns a channel of events and a function that ends the
// subscription. Slow subscribers miss events rather than block the workflow.
func (c *Controller) Subscribe() (<-chan models.WorkflowEvent, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan models.WorkflowEvent, subscriberBuffer)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				close(sub)
				delete(c.subs, id)
			}
		})
	}
}

// UpdatedAt is the time of the last state change.
func (c *Controller) UpdatedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updatedAt
}

func (c *Controller) touchLocked() {
	c.updatedAt = c.now()
}

func (c *Controller) publishLocked(t models.EventType, message, errMsg string) {
	evt := models.WorkflowEvent{
		Type:       t,
		SessionID:  c.session.ID,
		Generation: c.generation,
		Conversion: c.conversion,
		Email:      c.email,
		Message:    message,
		Error:      errMsg,
		At:         c.now(),
	}
	for _, ch := range c.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (c *Controller) entryLocked(kind history.Kind, meta models.Metadata, recipient string) *history.Entry {
	if c.history == nil {
		return nil
	}
	e := history.NewEntry(c.session.Name, kind)
	e.DocumentID = meta.ID
	e.IssueDate = meta.IssueDate
	e.Recipient = recipient
	if c.source != nil {
		e.SourceName = c.source.Name
	}
	return &e
}

func (c *Controller) record(e *history.Entry) {
	if e == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.history.Record(ctx, *e); err != nil {
		c.logger.Warn().Err(err).Str("kind", string(e.Kind)).Msg("failed to record history")
	}
}
