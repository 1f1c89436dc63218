// Package sync implements the sync coordinator (C5): it owns one
// status tracker, one operations queue, and one connectivity
// manager, exposes the offline-create API, and drains the queue
// against the registration endpoint whenever connectivity and a
// credential are both present. The debounced-drain timer and
// guarded-listener dispatch follow the teacher's websocket.Hub.Run
// select loop and RedisPubSub.handleMessages recover() pattern,
// generalized to a single-threaded coordinator instead of a
// multi-connection server hub.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ratatoskr/core/internal/connectivity"
	"github.com/ratatoskr/core/internal/events"
	"github.com/ratatoskr/core/internal/opqueue"
	"github.com/ratatoskr/core/internal/statustracker"
)

// debounceDelay is the drain-coalescing window (spec §4.5).
const debounceDelay = 100 * time.Millisecond

// Repo is the external CRDT replica manager collaborator. The core
// never implements CRDT merge; it only asks the repo for a fresh
// handle and lets the handle's own storage adapter (C1) persist
// chunks.
type Repo interface {
	CreateDocument(initialValue []byte) (docID string, err error)
}

// TokenGetter returns the current bearer token, or ok=false if the
// caller is not authenticated. The coordinator never caches it.
type TokenGetter func() (token string, ok bool)

// RepoGetter returns the current repo handle, or ok=false if absent.
type RepoGetter func() (Repo, bool)

// Logger is the minimal structured-logging surface this package needs.
type Logger interface {
	Warnf(format string, args ...any)
	Infof(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warnf(string, ...any) {}
func (noopLogger) Infof(string, ...any) {}

// CreateOpts are the optional fields accepted by CreateDocumentOffline.
type CreateOpts struct {
	Type      string
	ExpiresAt *time.Time
}

// DrainSummary is the result of a drain attempt.
type DrainSummary struct {
	Processed int
	Failed    int
}

// Options configures a Coordinator at construction.
type Options struct {
	DatabasePath  string
	ServerURL     string
	GetToken      TokenGetter
	GetRepo       RepoGetter
	BrowserOnline bool
	Logger        Logger
	HTTPClient    *http.Client
	Invalidation  statustracker.Invalidator
	EventLogger   events.Logger
}

// Coordinator is the sync coordinator (C5).
type Coordinator struct {
	serverURL string
	getToken  TokenGetter
	getRepo   RepoGetter
	log       Logger
	http      *http.Client

	status *statustracker.Tracker
	queue  *opqueue.Queue
	conn   *connectivity.Manager
	bus    *events.Bus

	mu                sync.Mutex
	initialized       bool
	debounceTimer     *time.Timer
	unsubscribeConn   func()
	unsubscribeStatus func()
}

// New constructs a Coordinator. Call Initialize before use.
func New(opts Options) (*Coordinator, error) {
	log := opts.Logger
	if log == nil {
		log = noopLogger{}
	}

	bus := events.New(opts.EventLogger)

	// The tracker gets a bus of its own: Initialize's status
	// subscription re-emits each tracker notification onto bus, and a
	// shared bus would feed every re-emit back into that subscription.
	status, err := statustracker.New(opts.DatabasePath,
		statustracker.WithEventBus(events.New(opts.EventLogger)),
		statustracker.WithInvalidation(opts.Invalidation),
	)
	if err != nil {
		return nil, fmt.Errorf("sync: open status tracker: %w", err)
	}

	queue, err := opqueue.New(opts.DatabasePath)
	if err != nil {
		status.Close()
		return nil, fmt.Errorf("sync: open operations queue: %w", err)
	}

	conn := connectivity.New(opts.BrowserOnline, connectivity.WithEventBus(bus))

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Coordinator{
		serverURL: opts.ServerURL,
		getToken:  opts.GetToken,
		getRepo:   opts.GetRepo,
		log:       log,
		http:      httpClient,
		status:    status,
		queue:     queue,
		conn:      conn,
		bus:       bus,
	}, nil
}

// Initialize wires the queue processor and subscribes to C4/C2.
// Idempotent.
func (c *Coordinator) Initialize() {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return
	}
	c.initialized = true
	c.mu.Unlock()

	c.queue.SetProcessor(c.processOperation)

	c.unsubscribeConn = c.conn.Subscribe(func(state connectivity.State) {
		if state == connectivity.Online {
			c.scheduleSyncProcessing()
		}
	})

	c.unsubscribeStatus = c.status.Subscribe(func(id string, entry statustracker.Entry) {
		c.bus.Emit(events.Event{
			Type:       events.DocumentStatusChanged,
			DocumentID: id,
			Status:     string(entry.Status),
			Error:      entry.Error,
		})
	})
}

// CreateDocumentOffline records a new document as local and enqueues
// its server registration. Fails synchronously if the repo accessor
// returns absent.
func (c *Coordinator) CreateDocumentOffline(initialValue []byte, opts CreateOpts) (string, error) {
	repo, ok := c.getRepo()
	if !ok {
		return "", errNoRepo
	}

	docID, err := repo.CreateDocument(initialValue)
	if err != nil {
		return "", fmt.Errorf("sync: createDocumentOffline: %w", err)
	}

	registered := false
	if _, err := c.status.SetStatus(docID, statustracker.StatusLocal, &statustracker.SetOpts{
		ServerRegistered: &registered,
	}); err != nil {
		return "", fmt.Errorf("sync: createDocumentOffline: record status: %w", err)
	}

	if _, err := c.queue.EnqueueDocumentRegistration(docID, opqueue.Payload{
		Type:      opts.Type,
		ExpiresAt: opts.ExpiresAt,
	}); err != nil {
		return "", fmt.Errorf("sync: createDocumentOffline: enqueue: %w", err)
	}

	if c.conn.State() == connectivity.Online {
		if _, ok := c.getToken(); ok {
			c.scheduleSyncProcessing()
		}
	}

	return docID, nil
}

var errNoRepo = fmt.Errorf("sync: no repo available")

// ProcessPendingOperations drains the queue once: offline returns
// {0,0} immediately; online-but-tokenless emits auth:required and
// returns {0,0}; otherwise it brackets the drain with sync:started
// and sync:completed/sync:error.
func (c *Coordinator) ProcessPendingOperations() (DrainSummary, error) {
	if c.conn.State() == connectivity.Offline {
		return DrainSummary{}, nil
	}

	if _, ok := c.getToken(); !ok {
		c.bus.Emit(events.Event{Type: events.AuthRequired})
		return DrainSummary{}, nil
	}

	c.bus.Emit(events.Event{Type: events.SyncStarted})

	summary, err := c.drain()
	if err != nil {
		c.bus.Emit(events.Event{Type: events.SyncError, Error: err.Error()})
		return summary, err
	}

	c.bus.Emit(events.Event{
		Type:      events.SyncCompleted,
		Processed: summary.Processed,
		Failed:    summary.Failed,
	})
	return summary, nil
}

func (c *Coordinator) drain() (summary DrainSummary, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync: panic during drain: %v", r)
		}
	}()

	result, drainErr := c.queue.ProcessQueue()
	if drainErr != nil {
		return DrainSummary{}, drainErr
	}
	return DrainSummary{Processed: result.Processed, Failed: result.Failed}, nil
}

// scheduleSyncProcessing coalesces rapid triggers into one drain
// fired after debounceDelay (spec §4.5).
func (c *Coordinator) scheduleSyncProcessing() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
	}
	c.debounceTimer = time.AfterFunc(debounceDelay, func() {
		if _, err := c.ProcessPendingOperations(); err != nil {
			c.log.Warnf("sync: scheduled drain failed: %v", err)
		}
	})
}

// processOperation is the processor installed on the queue. It rejects
// immediately if no token is present, otherwise dispatches a
// register_document request and maps the HTTP response per spec §6.
func (c *Coordinator) processOperation(op opqueue.Operation) opqueue.Result {
	token, ok := c.getToken()
	if !ok {
		c.bus.Emit(events.Event{Type: events.AuthRequired})
		return opqueue.Result{Success: false, Error: "Not authenticated"}
	}

	if op.Type != opqueue.TypeRegisterDocument {
		return opqueue.Result{Success: false, Error: fmt.Sprintf("unknown operation type %q", op.Type)}
	}

	if _, err := c.status.SetStatus(op.DocumentID, statustracker.StatusSyncing, nil); err != nil {
		c.log.Warnf("sync: failed to record syncing status for %s: %v", op.DocumentID, err)
	}

	return c.registerDocument(op, token)
}

type registerDocumentBody struct {
	ID        string     `json:"id"`
	Type      string     `json:"type,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type errorResponseBody struct {
	Message string `json:"message"`
}

func (c *Coordinator) registerDocument(op opqueue.Operation, token string) opqueue.Result {
	body, err := json.Marshal(registerDocumentBody{
		ID:        op.DocumentID,
		Type:      op.Payload.Type,
		ExpiresAt: op.Payload.ExpiresAt,
	})
	if err != nil {
		return c.failNetwork(op.DocumentID, err)
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost,
		c.serverURL+"/api/v1/documents", bytes.NewReader(body))
	if err != nil {
		return c.failNetwork(op.DocumentID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return c.failNetwork(op.DocumentID, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if _, err := c.status.MarkServerRegistered(op.DocumentID); err != nil {
			c.log.Warnf("sync: markServerRegistered failed for %s: %v", op.DocumentID, err)
		}
		return opqueue.Result{Success: true}

	case resp.StatusCode == http.StatusUnauthorized:
		c.bus.Emit(events.Event{Type: events.AuthRequired})
		return opqueue.Result{Success: false, Error: "Not authenticated"}

	case resp.StatusCode == http.StatusConflict:
		// Still a success, but the response body goes into the entry's
		// error field (and so into document:status-changed) for inspection.
		detail := string(bytes.TrimSpace(respBody))
		var parsed errorResponseBody
		if json.Unmarshal(respBody, &parsed) == nil && parsed.Message != "" {
			detail = parsed.Message
		}
		registered := true
		if _, err := c.status.SetStatus(op.DocumentID, statustracker.StatusSynced, &statustracker.SetOpts{
			ServerRegistered: &registered,
			Error:            &detail,
		}); err != nil {
			c.log.Warnf("sync: markServerRegistered failed for %s: %v", op.DocumentID, err)
		}
		return opqueue.Result{Success: true}

	default:
		message := extractMessage(respBody, resp.StatusCode)
		return opqueue.Result{Success: false, Error: message}
	}
}

func (c *Coordinator) failNetwork(docID string, err error) opqueue.Result {
	errMsg := err.Error()
	if _, setErr := c.status.SetStatus(docID, statustracker.StatusLocal, &statustracker.SetOpts{
		Error: &errMsg,
	}); setErr != nil {
		c.log.Warnf("sync: failed to record network-failure status for %s: %v", docID, setErr)
	}
	return opqueue.Result{Success: false, Error: errMsg}
}

func extractMessage(body []byte, statusCode int) string {
	var parsed errorResponseBody
	if len(body) > 0 && json.Unmarshal(body, &parsed) == nil && parsed.Message != "" {
		return parsed.Message
	}
	return fmt.Sprintf("registration failed with status %d", statusCode)
}

// EmitTokenExpired injects an auth:token-expired event from outside
// the coordinator (e.g. a proactive tokenpeek check).
func (c *Coordinator) EmitTokenExpired() {
	c.bus.Emit(events.Event{Type: events.AuthTokenExpired})
}

// Subscribe registers a listener for every event this coordinator
// emits.
func (c *Coordinator) Subscribe(listener func(events.Event)) (unsubscribe func()) {
	return c.bus.Subscribe(listener)
}

// Status returns id's current document status entry, if any.
func (c *Coordinator) Status(id string) (statustracker.Entry, bool, error) {
	return c.status.GetStatus(id)
}

// Connectivity returns the current fused connectivity state.
func (c *Coordinator) Connectivity() connectivity.State {
	return c.conn.State()
}

// SetBrowserOnline forwards to the connectivity manager.
func (c *Coordinator) SetBrowserOnline(online bool) {
	c.conn.SetBrowserOnline(online)
}

// SetServerConnecting forwards to the connectivity manager.
func (c *Coordinator) SetServerConnecting(connecting bool) {
	c.conn.SetServerConnecting(connecting)
}

// SetServerConnected forwards to the connectivity manager.
func (c *Coordinator) SetServerConnected(connected bool) {
	c.conn.SetServerConnected(connected)
}

// PendingOperationsCount returns the number of persisted pending
// operations.
func (c *Coordinator) PendingOperationsCount() (int, error) {
	return c.queue.GetQueueLength()
}

// UnsyncedDocuments returns every document whose status entry is not
// yet server-registered.
func (c *Coordinator) UnsyncedDocuments() ([]statustracker.Entry, error) {
	return c.status.GetUnregistered()
}

// Diagnostics is an additive accessor bundling the counters a host
// application typically surfaces in a debug panel.
type Diagnostics struct {
	Connectivity  connectivity.State
	PendingCount  int
	UnsyncedCount int
}

// Diagnostics snapshots the coordinator's current counters.
func (c *Coordinator) Diagnostics() (Diagnostics, error) {
	pending, err := c.PendingOperationsCount()
	if err != nil {
		return Diagnostics{}, err
	}
	unsynced, err := c.UnsyncedDocuments()
	if err != nil {
		return Diagnostics{}, err
	}
	return Diagnostics{
		Connectivity:  c.Connectivity(),
		PendingCount:  pending,
		UnsyncedCount: len(unsynced),
	}, nil
}

// Destroy clears the debounce timer, unsubscribes from C4, closes C2
// and C3, and flips the initialized flag so a fresh Coordinator can be
// constructed against the same database path.
func (c *Coordinator) Destroy() error {
	c.mu.Lock()
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
		c.debounceTimer = nil
	}
	c.initialized = false
	c.mu.Unlock()

	if c.unsubscribeConn != nil {
		c.unsubscribeConn()
	}
	if c.unsubscribeStatus != nil {
		c.unsubscribeStatus()
	}
	c.conn.Destroy()

	if err := c.status.Close(); err != nil {
		return fmt.Errorf("sync: destroy: %w", err)
	}
	if err := c.queue.Close(); err != nil {
		return fmt.Errorf("sync: destroy: %w", err)
	}
	return nil
}
