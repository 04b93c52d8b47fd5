package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/schaermu/bundlesyncd/internal/activation"
	"github.com/schaermu/bundlesyncd/internal/config"
	bundlesync "github.com/schaermu/bundlesyncd/internal/sync"
)

// Syncer runs one sync of a channel. *sync.Engine implements it.
type Syncer interface {
	Sync(ctx context.Context, channel string) *bundlesync.Result
}

// GitHubPushEvent represents the relevant fields from a GitHub push webhook
type GitHubPushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Server triggers syncs from GitHub push webhooks and, optionally, on a
// fixed interval
type Server struct {
	cfg         *config.Config
	syncer      Syncer
	logger      *slog.Logger
	secret      []byte
	syncMu      sync.Mutex // guards syncRunning, syncPending and last
	syncRunning bool       // whether a sync is currently in progress
	syncPending bool       // whether another sync is needed after the current one
	last        *bundlesync.Result
	debounce    *debouncer
	baseCtx     context.Context
}

// debouncer implements debouncing for webhook events
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new webhook server
func NewServer(cfg *config.Config, syncer Syncer, logger *slog.Logger) (*Server, error) {
	secret, err := config.ReadSecretFile(cfg.Serve.GitHubWebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}

	return &Server{
		cfg:      cfg,
		syncer:   syncer,
		logger:   logger.With("component", "webhook"),
		secret:   []byte(secret),
		debounce: &debouncer{delay: 2 * time.Second},
		baseCtx:  context.Background(),
	}, nil
}

// Start performs an initial sync, then serves webhooks until ctx is done.
// A systemd-activated socket is used when present, serve.listen_addr
// otherwise.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx

	s.logger.Info("performing initial sync before starting webhook server")
	s.performSync(ctx)

	if ctx.Err() != nil {
		return nil
	}

	listener, activated, err := activation.Listen(s.cfg.Serve.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener, activated)
}

// Serve serves webhooks on listener until ctx is done
func (s *Server) Serve(ctx context.Context, listener net.Listener, activated bool) error {
	s.baseCtx = ctx

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	if s.cfg.Serve.Interval > 0 {
		go s.runTicker(ctx, s.cfg.Serve.Interval)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting",
			"addr", listener.Addr().String(),
			"socket_activated", activated,
			"channel", s.cfg.Channel)
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Handler returns the HTTP routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/", s.handleWebhook)
	return mux
}

// runTicker triggers a sync every interval until ctx is done
func (s *Server) runTicker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logger.Debug("periodic sync triggered", "interval", interval)
			s.performSync(ctx)
		}
	}
}

// handleWebhook handles incoming GitHub webhook requests
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	signature := r.Header.Get("X-Hub-Signature-256")
	if !s.verifySignature(body, signature) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	s.logger.Info("received webhook", "event", eventType)

	if eventType == "ping" {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "pong\n")
		return
	}

	if !s.isEventTypeAllowed(eventType) {
		s.logger.Info("ignoring disallowed event type", "event", eventType)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Event type not configured for sync\n")
		return
	}

	var event GitHubPushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	// only pushes to the branch of the configured channel change the bundle
	if event.Ref != s.cfg.ChannelRef() {
		s.logger.Info("ignoring push to other branch", "ref", event.Ref, "channel", s.cfg.Channel)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Ref not configured for sync\n")
		return
	}

	s.logger.Info("webhook accepted",
		"event", eventType,
		"ref", event.Ref,
		"commit", event.After,
		"repo", event.Repository.FullName)

	s.debounce.trigger(func() {
		s.performSync(s.baseCtx)
	})

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "Sync triggered\n")
}

type healthResponse struct {
	Channel   string `json:"channel"`
	Running   bool   `json:"running"`
	LastState string `json:"last_state,omitempty"`
	LastHash  string `json:"last_hash,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// handleHealth reports the outcome of the most recent sync
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.syncMu.Lock()
	resp := healthResponse{Channel: s.cfg.Channel, Running: s.syncRunning}
	if s.last != nil {
		resp.LastState = string(s.last.State)
		resp.LastHash = s.last.LatestHash
		if err := s.last.Failure(); err != nil {
			resp.LastError = err.Error()
		}
	}
	s.syncMu.Unlock()

	status := http.StatusOK
	if s.lastFailed() {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) lastFailed() bool {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	return s.last != nil && s.last.State == bundlesync.StateFailed
}

// verifySignature verifies the GitHub webhook signature
func (s *Server) verifySignature(body []byte, signature string) bool {
	const prefix = "sha256="
	if len(signature) <= len(prefix) || signature[:len(prefix)] != prefix {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(signature[len(prefix):]), []byte(expected))
}

// isEventTypeAllowed checks if the event type is in the allowed list
func (s *Server) isEventTypeAllowed(eventType string) bool {
	if len(s.cfg.Serve.AllowedEventTypes) == 0 {
		return true // no filter configured
	}

	for _, allowed := range s.cfg.Serve.AllowedEventTypes {
		if eventType == allowed {
			return true
		}
	}
	return false
}

// performSync runs a sync with single-flight semantics.
// If a sync is already in progress, at most one additional run is queued;
// further concurrent requests are dropped to avoid unbounded goroutine pile-up.
func (s *Server) performSync(ctx context.Context) {
	s.syncMu.Lock()
	if s.syncRunning {
		s.syncPending = true
		s.syncMu.Unlock()
		s.logger.Info("sync already in progress, queuing pending re-run")
		return
	}
	s.syncRunning = true
	s.syncMu.Unlock()

	for {
		res := s.syncer.Sync(ctx, s.cfg.Channel)
		s.logResult(res)

		// Atomically check whether another sync was requested while we were
		// running. If not, release the running slot and stop; if yes, clear
		// the flag and loop to service that one pending request.
		s.syncMu.Lock()
		s.last = res
		if !s.syncPending || ctx.Err() != nil {
			s.syncPending = false
			s.syncRunning = false
			s.syncMu.Unlock()
			break
		}
		s.syncPending = false
		s.syncMu.Unlock()

		s.logger.Info("re-running sync due to pending request")
	}
}

func (s *Server) logResult(res *bundlesync.Result) {
	switch res.State {
	case bundlesync.StateCommitted:
		s.logger.Info("bundle updated", "channel", res.Channel, "hash", res.LatestHash, "warnings", len(res.Warnings))
	case bundlesync.StateUpToDate:
		s.logger.Debug("bundle already up to date", "channel", res.Channel, "hash", res.LatestHash)
	default:
		if err := res.Failure(); err != nil {
			s.logger.Warn("sync did not complete", "channel", res.Channel, "state", res.State, "error", err)
		}
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}
