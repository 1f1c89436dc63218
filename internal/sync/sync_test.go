package sync

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ratatoskr/core/internal/events"
)

type fakeRepo struct {
	counter int64
}

func (r *fakeRepo) CreateDocument(initialValue []byte) (string, error) {
	id := atomic.AddInt64(&r.counter, 1)
	return "doc-" + string(rune('0'+id)), nil
}

func newCoordinator(t *testing.T, serverURL string, token *string) *Coordinator {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sync.db")
	repo := &fakeRepo{}

	c, err := New(Options{
		DatabasePath:  path,
		ServerURL:     serverURL,
		BrowserOnline: true,
		GetToken: func() (string, bool) {
			if token == nil || *token == "" {
				return "", false
			}
			return *token, true
		},
		GetRepo: func() (Repo, bool) { return repo, true },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Initialize()
	t.Cleanup(func() { c.Destroy() })
	return c
}

func TestCoordinator_CreateDocumentOfflineRecordsLocalStatus(t *testing.T) {
	tok := ""
	c := newCoordinator(t, "http://unused.invalid", &tok)

	docID, err := c.CreateDocumentOffline([]byte("hello"), CreateOpts{})
	if err != nil {
		t.Fatalf("CreateDocumentOffline: %v", err)
	}
	if docID == "" {
		t.Fatal("expected a non-empty document id")
	}

	entry, found, err := c.Status(docID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !found {
		t.Fatal("expected a status entry to exist")
	}
	if entry.Status != "local" || entry.ServerRegistered {
		t.Errorf("entry = %+v, want status=local serverRegistered=false", entry)
	}

	n, err := c.PendingOperationsCount()
	if err != nil {
		t.Fatalf("PendingOperationsCount: %v", err)
	}
	if n != 1 {
		t.Errorf("PendingOperationsCount = %d, want 1", n)
	}
}

func TestCoordinator_ProcessPendingOperationsOfflineReturnsZero(t *testing.T) {
	tok := "a-token"
	c := newCoordinator(t, "http://unused.invalid", &tok)
	c.SetBrowserOnline(false)

	summary, err := c.ProcessPendingOperations()
	if err != nil {
		t.Fatalf("ProcessPendingOperations: %v", err)
	}
	if summary.Processed != 0 || summary.Failed != 0 {
		t.Errorf("summary = %+v, want {0, 0} while offline", summary)
	}
}

func TestCoordinator_ProcessPendingOperationsTokenlessEmitsAuthRequired(t *testing.T) {
	tok := ""
	c := newCoordinator(t, "http://unused.invalid", &tok)
	c.SetServerConnected(true)

	var gotAuthRequired bool
	c.Subscribe(func(ev events.Event) {
		if ev.Type == events.AuthRequired {
			gotAuthRequired = true
		}
	})

	summary, err := c.ProcessPendingOperations()
	if err != nil {
		t.Fatalf("ProcessPendingOperations: %v", err)
	}
	if summary.Processed != 0 || summary.Failed != 0 {
		t.Errorf("summary = %+v, want {0, 0} while tokenless", summary)
	}
	if !gotAuthRequired {
		t.Error("expected an auth:required event")
	}
}

func TestCoordinator_SuccessfulRegistrationMarksSynced(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	tok := "a-token"
	c := newCoordinator(t, server.URL, &tok)
	c.SetServerConnected(true)

	docID, err := c.CreateDocumentOffline([]byte("x"), CreateOpts{})
	if err != nil {
		t.Fatalf("CreateDocumentOffline: %v", err)
	}

	var gotCompleted events.Event
	c.Subscribe(func(ev events.Event) {
		if ev.Type == events.SyncCompleted {
			gotCompleted = ev
		}
	})

	summary, err := c.ProcessPendingOperations()
	if err != nil {
		t.Fatalf("ProcessPendingOperations: %v", err)
	}
	if summary.Processed != 1 || summary.Failed != 0 {
		t.Errorf("summary = %+v, want {1, 0}", summary)
	}
	if gotCompleted.Type != events.SyncCompleted || gotCompleted.Processed != 1 {
		t.Errorf("sync:completed event = %+v", gotCompleted)
	}

	entry, found, err := c.Status(docID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !found || entry.Status != "synced" || !entry.ServerRegistered {
		t.Errorf("entry = %+v, want status=synced serverRegistered=true", entry)
	}
}

func TestCoordinator_ConflictResponseCountsAsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	tok := "a-token"
	c := newCoordinator(t, server.URL, &tok)
	c.SetServerConnected(true)

	docID, err := c.CreateDocumentOffline([]byte("x"), CreateOpts{})
	if err != nil {
		t.Fatalf("CreateDocumentOffline: %v", err)
	}

	summary, err := c.ProcessPendingOperations()
	if err != nil {
		t.Fatalf("ProcessPendingOperations: %v", err)
	}
	if summary.Processed != 1 {
		t.Errorf("summary = %+v, want Processed=1 on 409", summary)
	}

	entry, _, err := c.Status(docID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !entry.ServerRegistered {
		t.Error("409 should mark serverRegistered=true")
	}
}

func TestCoordinator_UnauthorizedEmitsAuthRequiredAndRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	tok := "a-token"
	c := newCoordinator(t, server.URL, &tok)
	c.SetServerConnected(true)

	if _, err := c.CreateDocumentOffline([]byte("x"), CreateOpts{}); err != nil {
		t.Fatalf("CreateDocumentOffline: %v", err)
	}

	var gotAuthRequired bool
	c.Subscribe(func(ev events.Event) {
		if ev.Type == events.AuthRequired {
			gotAuthRequired = true
		}
	})

	summary, err := c.ProcessPendingOperations()
	if err != nil {
		t.Fatalf("ProcessPendingOperations: %v", err)
	}
	if summary.Failed != 1 {
		t.Errorf("summary = %+v, want Failed=1 on 401", summary)
	}
	if !gotAuthRequired {
		t.Error("expected auth:required on 401")
	}

	n, err := c.PendingOperationsCount()
	if err != nil {
		t.Fatalf("PendingOperationsCount: %v", err)
	}
	if n != 1 {
		t.Errorf("operation should remain queued for retry, count = %d", n)
	}
}

func TestCoordinator_ServerErrorExtractsMessageAndRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "database unavailable"})
	}))
	defer server.Close()

	tok := "a-token"
	c := newCoordinator(t, server.URL, &tok)
	c.SetServerConnected(true)

	if _, err := c.CreateDocumentOffline([]byte("x"), CreateOpts{}); err != nil {
		t.Fatalf("CreateDocumentOffline: %v", err)
	}

	var gotCompleted events.Event
	c.Subscribe(func(ev events.Event) {
		if ev.Type == events.SyncCompleted {
			gotCompleted = ev
		}
	})

	summary, err := c.ProcessPendingOperations()
	if err != nil {
		t.Fatalf("ProcessPendingOperations: %v", err)
	}
	if summary.Failed != 1 {
		t.Errorf("summary = %+v, want Failed=1 on 500", summary)
	}
	if gotCompleted.Failed != 1 {
		t.Errorf("sync:completed event = %+v, want Failed=1", gotCompleted)
	}

	ops, err := c.queue.GetPendingOperations()
	if err != nil {
		t.Fatalf("GetPendingOperations: %v", err)
	}
	if len(ops) != 1 || ops[0].Error != "database unavailable" {
		t.Errorf("pending operations = %+v, want one queued for retry with Error %q", ops, "database unavailable")
	}
}

func TestCoordinator_ScheduleSyncProcessingDebounces(t *testing.T) {
	var requests int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&requests, 1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	tok := "a-token"
	c := newCoordinator(t, server.URL, &tok)
	c.SetServerConnected(true)

	var started int64
	c.Subscribe(func(ev events.Event) {
		if ev.Type == events.SyncStarted {
			atomic.AddInt64(&started, 1)
		}
	})

	// Creating several documents back-to-back should coalesce into a
	// single debounced drain rather than one drain per create.
	for i := 0; i < 3; i++ {
		if _, err := c.CreateDocumentOffline([]byte("x"), CreateOpts{}); err != nil {
			t.Fatalf("CreateDocumentOffline: %v", err)
		}
	}

	time.Sleep(250 * time.Millisecond)

	n, err := c.PendingOperationsCount()
	if err != nil {
		t.Fatalf("PendingOperationsCount: %v", err)
	}
	if n != 0 {
		t.Errorf("PendingOperationsCount after debounce window = %d, want 0", n)
	}
	if got := atomic.LoadInt64(&started); got != 1 {
		t.Errorf("sync:started events = %d, want 1 (one coalesced drain)", got)
	}
}

func TestCoordinator_DestroyIsIdempotentAndStopsTimer(t *testing.T) {
	tok := ""
	c := newCoordinator(t, "http://unused.invalid", &tok)

	var fired int64
	c.Subscribe(func(ev events.Event) {
		if ev.Type == events.AuthRequired {
			atomic.AddInt64(&fired, 1)
		}
	})
	// Going online arms the debounce timer; a drain it fired would emit
	// auth:required, since no token is present.
	c.SetServerConnected(true)

	if err := c.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := c.Destroy(); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}

	time.Sleep(2 * debounceDelay)
	if n := atomic.LoadInt64(&fired); n != 0 {
		t.Errorf("debounced drain ran %d time(s) after Destroy, want 0", n)
	}
}
