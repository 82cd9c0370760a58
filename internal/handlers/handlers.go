package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"despatchflow/internal/extractor"
	"despatchflow/internal/history"
	"despatchflow/internal/ingest"
	"despatchflow/internal/models"
	"despatchflow/internal/observability"
	"despatchflow/internal/workflow"
	"despatchflow/templates"

	"github.com/a-h/templ"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

const (
	defaultMaxUploadBytes = 10 * 1024 * 1024
	defaultCookieName     = "despatch_session"
	historyLimit          = 10
)

// Options configures the web App.
type Options struct {
	CookieName     string
	SecureCookie   bool
	MaxUploadBytes int64
	// ConvertTimeout bounds a background conversion.
	ConvertTimeout time.Duration
	// RequestTimeout bounds every request except the websocket stream.
	RequestTimeout time.Duration
}

type sessionEntry struct {
	ctrl *workflow.Controller

	mu       sync.Mutex
	lastSeen time.Time
}

func (s *sessionEntry) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *sessionEntry) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if upd := s.ctrl.UpdatedAt(); upd.After(s.lastSeen) {
		return upd
	}
	return s.lastSeen
}

type ctxKey struct{}

type App struct {
	logger zerolog.Logger
	router *chi.Mux

	converter workflow.Converter
	sender    workflow.Sender
	history   history.Store
	ingester  workflow.Ingester
	opts      Options

	mu       sync.RWMutex
	sessions map[string]*sessionEntry

	wg       sync.WaitGroup
	upgrader websocket.Upgrader
}

// NewApp wires the routes. store may be nil to disable activity history.
func NewApp(logger zerolog.Logger, converter workflow.Converter, sender workflow.Sender, store history.Store, opts Options) *App {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if opts.CookieName == "" {
		opts.CookieName = defaultCookieName
	}
	if opts.ConvertTimeout <= 0 {
		opts.ConvertTimeout = 2 * time.Minute
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Minute
	}

	app := &App{
		logger:    logger,
		router:    chi.NewRouter(),
		converter: converter,
		sender:    sender,
		history:   store,
		ingester:  ingest.NewAdapter(opts.MaxUploadBytes),
		opts:      opts,
		sessions:  make(map[string]*sessionEntry),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	app.registerRoutes()
	return app
}

func (a *App) Router() http.Handler {
	return a.router
}

func (a *App) registerRoutes() {
	a.router.Use(middleware.RealIP)
	a.router.Use(observability.HTTPMiddleware(a.logger)...)
	a.router.Use(middleware.Recoverer)
	a.router.Use(a.corsMiddleware)

	// The websocket outlives any request timeout.
	a.router.With(a.requireSession).Get("/ws", a.workflowWS)

	a.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(a.opts.RequestTimeout))

		r.Get("/", a.index)
		r.Post("/signin", a.signIn)
		r.Post("/signout", a.signOut)
		r.Get("/healthz", a.health)

		r.Group(func(r chi.Router) {
			r.Use(a.requireSession)
			r.Post("/document", a.upload)
			r.Post("/convert", a.startConversion)
			r.Post("/email/open", a.openCompose)
			r.Post("/email/send", a.sendEmail)
			r.Post("/email/cancel", a.cancelCompose)
			r.Post("/reset", a.reset)
			r.Get("/state", a.state)
			r.Get("/document/download", a.download)
		})
	})
}

func (a *App) health(w http.ResponseWriter, r *http.Request) {
	a.mu.RLock()
	active := len(a.sessions)
	a.mu.RUnlock()
	a.respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"sessions":  active,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (a *App) index(w http.ResponseWriter, r *http.Request) {
	entry, ok := a.lookupSession(r)
	if !ok {
		a.render(w, r, templates.SignInPage(""))
		return
	}
	entry.touch(time.Now())

	snap := entry.ctrl.Snapshot()
	view := templates.WorkspaceView{
		Snapshot: snap,
		History:  a.recentHistory(r.Context(), snap.Session.Name),
		Notice:   r.URL.Query().Get("notice"),
	}
	if snap.HasDocument {
		view.Metadata = extractor.Extract(string(snap.Document))
		view.Preview = extractor.Preview(string(snap.Document))
	}
	a.render(w, r, templates.WorkspacePage(view))
}

func (a *App) signIn(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusBadRequest)
		a.render(w, r, templates.SignInPage("name is required"))
		return
	}

	if old, ok := a.lookupSession(r); ok {
		a.destroySession(old.ctrl.Session().ID)
	}

	session := models.Session{
		ID:         uuid.NewString(),
		Name:       name,
		Picture:    strings.TrimSpace(r.FormValue("picture")),
		SignedInAt: time.Now().UTC(),
	}
	opts := []workflow.Option{
		workflow.WithLogger(a.logger),
		workflow.WithIngester(a.ingester),
	}
	if a.history != nil {
		opts = append(opts, workflow.WithHistory(a.history))
	}
	ctrl := workflow.New(session, a.converter, a.sender, opts...)

	a.mu.Lock()
	a.sessions[session.ID] = &sessionEntry{ctrl: ctrl, lastSeen: time.Now()}
	a.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     a.opts.CookieName,
		Value:    session.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.opts.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	a.logger.Info().Str("session_id", session.ID).Str("user", name).Msg("signed in")
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (a *App) signOut(w http.ResponseWriter, r *http.Request) {
	if entry, ok := a.lookupSession(r); ok {
		a.destroySession(entry.ctrl.Session().ID)
		a.logger.Info().Str("session_id", entry.ctrl.Session().ID).Msg("signed out")
	}
	http.SetCookie(w, &http.Cookie{
		Name:     a.opts.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (a *App) upload(w http.ResponseWriter, r *http.Request) {
	ctrl := controllerFrom(r)

	r.Body = http.MaxBytesReader(w, r.Body, a.opts.MaxUploadBytes+1024*1024)
	if err := r.ParseMultipartForm(a.opts.MaxUploadBytes); err != nil {
		a.logger.Warn().Err(err).Msg("invalid multipart upload")
		a.respondError(w, r, models.IngestionError("upload is invalid or too large", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		a.respondError(w, r, models.IngestionError("a file is required", nil))
		return
	}

	if err := ctrl.Ingest(r.Context(), ingest.NewFileHandle(files[0])); err != nil {
		a.respondError(w, r, err)
		return
	}
	a.respondState(w, r, http.StatusOK, ctrl)
}

// startConversion runs the conversion in the background; progress and the
// result reach the page over the websocket.
func (a *App) startConversion(w http.ResponseWriter, r *http.Request) {
	ctrl := controllerFrom(r)
	snap := ctrl.Snapshot()

	if snap.Conversion.Phase == models.ConversionRunning {
		a.respondAction(w, r, http.StatusAccepted, map[string]string{"status": "already_converting"})
		return
	}
	if !snap.HasDocument || strings.TrimSpace(string(snap.Document)) == "" {
		// No request is made; the controller records the failure.
		if err := ctrl.Convert(r.Context()); err != nil {
			a.respondError(w, r, err)
			return
		}
		a.respondState(w, r, http.StatusOK, ctrl)
		return
	}

	a.wg.Add(1)
	go a.runConversion(ctrl)
	a.respondAction(w, r, http.StatusAccepted, map[string]string{"status": "started", "session_id": snap.Session.ID})
}

func (a *App) runConversion(ctrl *workflow.Controller) {
	defer a.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), a.opts.ConvertTimeout)
	defer cancel()

	err := ctrl.Convert(ctx)
	switch {
	case err == nil:
		a.logger.Info().Str("session_id", ctrl.Session().ID).Msg("conversion completed")
	case errors.Is(err, models.ErrBusy), errors.Is(err, models.ErrSuperseded):
		a.logger.Debug().Err(err).Str("session_id", ctrl.Session().ID).Msg("conversion result dropped")
	default:
		a.logger.Error().Err(err).Str("session_id", ctrl.Session().ID).Msg("conversion failed")
	}
}

func (a *App) openCompose(w http.ResponseWriter, r *http.Request) {
	ctrl := controllerFrom(r)
	if err := ctrl.OpenCompose(); err != nil {
		a.respondError(w, r, err)
		return
	}
	a.respondState(w, r, http.StatusOK, ctrl)
}

func (a *App) sendEmail(w http.ResponseWriter, r *http.Request) {
	ctrl := controllerFrom(r)
	if err := r.ParseForm(); err != nil {
		a.respondError(w, r, models.ValidationError("invalid form"))
		return
	}
	if err := ctrl.Send(r.Context(), r.FormValue("recipient")); err != nil {
		a.respondError(w, r, err)
		return
	}
	a.respondState(w, r, http.StatusOK, ctrl)
}

func (a *App) cancelCompose(w http.ResponseWriter, r *http.Request) {
	ctrl := controllerFrom(r)
	if err := ctrl.CancelCompose(); err != nil {
		a.respondError(w, r, err)
		return
	}
	a.respondState(w, r, http.StatusOK, ctrl)
}

func (a *App) reset(w http.ResponseWriter, r *http.Request) {
	ctrl := controllerFrom(r)
	ctrl.Reset()
	a.respondState(w, r, http.StatusOK, ctrl)
}

func (a *App) state(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, http.StatusOK, newStateView(controllerFrom(r).Snapshot()))
}

func (a *App) download(w http.ResponseWriter, r *http.Request) {
	snap := controllerFrom(r).Snapshot()
	if !snap.HasDocument {
		http.Error(w, "no document loaded", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+downloadName(snap)+"\"")
	_, _ = w.Write([]byte(snap.Document))
}

func (a *App) workflowWS(w http.ResponseWriter, r *http.Request) {
	ctrl := controllerFrom(r)

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	events, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(stateMessage{Type: "state", State: newStateView(ctrl.Snapshot())}); err != nil {
		return
	}

	for {
		select {
		case <-closed:
			return
		case evt, ok := <-events:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}
}

type stateView struct {
	models.Snapshot
	Metadata *models.Metadata `json:"metadata,omitempty"`
	Subject  string           `json:"subject,omitempty"`
}

type stateMessage struct {
	Type  string    `json:"type"`
	State stateView `json:"state"`
}

func newStateView(snap models.Snapshot) stateView {
	v := stateView{Snapshot: snap}
	if snap.HasDocument {
		meta := extractor.Extract(string(snap.Document))
		v.Metadata = &meta
		v.Subject = meta.Subject()
	}
	return v
}

func downloadName(snap models.Snapshot) string {
	if snap.Conversion.Phase == models.ConversionSucceeded {
		id := extractor.Extract(string(snap.Document)).ID
		return "despatch-advice-" + sanitizeFileName(id) + ".xml"
	}
	if snap.Source != nil {
		return sanitizeFileName(snap.Source.Name)
	}
	return "document.xml"
}

// statusFor maps workflow errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrBusy), errors.Is(err, models.ErrSuperseded):
		return http.StatusConflict
	}
	switch models.KindOf(err) {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindIngestion:
		return http.StatusUnprocessableEntity
	case models.KindNetwork, models.KindServiceRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (a *App) respondError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		hlog.FromRequest(r).Warn().Err(err).Int("status", code).Msg("request failed")
	}
	if wantsHTML(r) {
		redirectWithNotice(w, r, models.ReasonOf(err))
		return
	}
	a.respondJSON(w, code, map[string]string{
		"error": models.ReasonOf(err),
		"kind":  string(models.KindOf(err)),
	})
}

func (a *App) respondState(w http.ResponseWriter, r *http.Request, code int, ctrl *workflow.Controller) {
	if wantsHTML(r) {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	a.respondJSON(w, code, newStateView(ctrl.Snapshot()))
}

func (a *App) respondAction(w http.ResponseWriter, r *http.Request, code int, payload any) {
	if wantsHTML(r) {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	a.respondJSON(w, code, payload)
}

func (a *App) render(w http.ResponseWriter, r *http.Request, component templ.Component) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := component.Render(r.Context(), w); err != nil {
		a.logger.Error().Err(err).Msg("failed to render template")
		http.Error(w, "failed to render page", http.StatusInternalServerError)
	}
}

func (a *App) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error().Err(err).Msg("failed to encode json")
	}
}

func (a *App) recentHistory(ctx context.Context, owner string) []history.Entry {
	if a.history == nil {
		return nil
	}
	entries, err := a.history.Recent(ctx, owner, historyLimit)
	if err != nil {
		a.logger.Warn().Err(err).Msg("failed to load history")
		return nil
	}
	return entries
}

func (a *App) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry, ok := a.lookupSession(r)
		if !ok {
			if wantsHTML(r) {
				http.Redirect(w, r, "/", http.StatusSeeOther)
				return
			}
			a.respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "sign in required"})
			return
		}
		entry.touch(time.Now())
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, entry.ctrl)))
	})
}

func controllerFrom(r *http.Request) *workflow.Controller {
	return r.Context().Value(ctxKey{}).(*workflow.Controller)
}

func (a *App) lookupSession(r *http.Request) (*sessionEntry, bool) {
	cookie, err := r.Cookie(a.opts.CookieName)
	if err != nil || cookie.Value == "" {
		return nil, false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	entry, ok := a.sessions[cookie.Value]
	return entry, ok
}

func (a *App) destroySession(id string) {
	a.mu.Lock()
	entry, ok := a.sessions[id]
	delete(a.sessions, id)
	a.mu.Unlock()
	if ok {
		entry.ctrl.Close()
	}
}

// StartCleanupLoop expires sessions idle for longer than ttl.
func (a *App) StartCleanupLoop(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 || ttl <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.cleanup(ttl)
			}
		}
	}()
}

func (a *App) cleanup(ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)
	var expired []*sessionEntry

	a.mu.Lock()
	for id, entry := range a.sessions {
		if entry.idleSince().Before(cutoff) {
			expired = append(expired, entry)
			delete(a.sessions, id)
		}
	}
	a.mu.Unlock()

	for _, entry := range expired {
		entry.ctrl.Close()
	}

	if len(expired) > 0 {
		a.logger.Info().Int("expired_sessions", len(expired)).Msg("cleanup completed")
	}
}

// Shutdown closes every session and waits for background conversions.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	entries := make([]*sessionEntry, 0, len(a.sessions))
	for id, entry := range a.sessions {
		entries = append(entries, entry)
		delete(a.sessions, id)
	}
	a.mu.Unlock()

	for _, entry := range entries {
		entry.ctrl.Close()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func redirectWithNotice(w http.ResponseWriter, r *http.Request, notice string) {
	http.Redirect(w, r, "/?notice="+url.QueryEscape(notice), http.StatusSeeOther)
}

func sanitizeFileName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
	if name == "" || name == "." {
		return "document.xml"
	}
	return name
}

func (a *App) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
