// Command ratatoskr-demo wires the durable chunk store, the sync
// coordinator, and the WebSocket transport adapter together against a
// running Ratatoskr server, the way cmd/server/main.go wires the
// teacher's HTTP server together: load config, start the long-running
// work (the initial connect is bounded by a 10s timeout), wait for an
// interrupt, shut down.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ratatoskr/core/internal/cacheinvalidation"
	"github.com/ratatoskr/core/internal/config"
	"github.com/ratatoskr/core/internal/connectivity"
	"github.com/ratatoskr/core/internal/events"
	"github.com/ratatoskr/core/internal/obslog"
	"github.com/ratatoskr/core/internal/statustracker"
	"github.com/ratatoskr/core/internal/storex"
	"github.com/ratatoskr/core/internal/sync"
	"github.com/ratatoskr/core/internal/tokenpeek"
	"github.com/ratatoskr/core/transport/wsclient"
)

// demoRepo stands in for the external CRDT replica manager: it is not
// a CRDT, it just proves out the "obtain a fresh handle, apply an
// initial mutation, the handle writes chunks through C1" wiring the
// coordinator expects from a real one.
type demoRepo struct {
	store   *storex.Store
	counter int64
}

func (r *demoRepo) CreateDocument(initialValue []byte) (string, error) {
	id := atomic.AddInt64(&r.counter, 1)
	docID := fmt.Sprintf("doc-%d-%d", time.Now().UnixNano(), id)
	if err := r.store.Save(context.Background(), []string{docID, "root"}, initialValue); err != nil {
		return "", fmt.Errorf("demoRepo: save initial chunk: %w", err)
	}
	return docID, nil
}

// staticToken is a placeholder credential accessor; a real host
// supplies one backed by the interactive login flow this module does
// not implement.
type staticToken struct {
	token string
	skew  time.Duration
}

func (s *staticToken) get() (string, bool) {
	if s.token == "" {
		return "", false
	}
	if expired, err := tokenpeek.IsExpired(s.token, time.Now(), s.skew); err == nil && expired {
		return "", false
	}
	return s.token, true
}

func main() {
	cfg := config.Load()
	log := obslog.New(os.Stdout, cfg.Environment)

	store, err := storex.NewStore(cfg.DatabasePath)
	if err != nil {
		log.Errorf("failed to open chunk store: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	repo := &demoRepo{store: store}
	token := &staticToken{token: os.Getenv("RATATOSKR_DEMO_TOKEN"), skew: cfg.JWTClockSkew}

	var invalidation *cacheinvalidation.Broadcaster
	if cfg.RedisURL != "" {
		invalidation, err = cacheinvalidation.New(cfg.RedisURL, cfg.RedisChannelPrefix, log.With("cacheinvalidation"))
		if err != nil {
			log.Errorf("failed to connect to redis, continuing without cross-tab invalidation: %v", err)
			invalidation = nil
		} else {
			defer invalidation.Close()
		}
	}

	coordinator, err := sync.New(sync.Options{
		DatabasePath:  cfg.DatabasePath,
		ServerURL:     cfg.ServerURL,
		BrowserOnline: true,
		GetToken:      token.get,
		GetRepo:       func() (sync.Repo, bool) { return repo, true },
		Logger:        log.With("sync"),
		Invalidation:  invalidationOrNil(invalidation),
	})
	if err != nil {
		log.Errorf("failed to construct sync coordinator: %v", err)
		os.Exit(1)
	}
	coordinator.Initialize()

	unsubscribe := coordinator.Subscribe(func(ev events.Event) {
		log.Infof("event: %s document=%s status=%s", ev.Type, ev.DocumentID, ev.Status)
	})
	defer unsubscribe()

	// The demo transport connection drives its own connectivity manager
	// and mirrors its online/offline edges onto the coordinator's,
	// since the coordinator owns C4 privately (spec ownership: C5
	// exclusively owns its C2/C3/C4 instances).
	transportConn := connectivity.New(true)
	unsubscribeTransport := transportConn.Subscribe(func(state connectivity.State) {
		coordinator.SetServerConnected(state == connectivity.Online)
	})
	defer unsubscribeTransport()

	ws := wsclient.New(wsURLFromHTTP(cfg.ServerURL), transportConn, nil, log.With("wsclient"))
	if tok, ok := token.get(); ok {
		connectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := ws.Connect(connectCtx, tok); err != nil {
			log.Warnf("initial websocket connect failed, continuing offline: %v", err)
		}
		cancel()
	} else {
		log.Infof("no credential available yet, starting offline")
	}
	defer ws.Close()

	log.Infof("ratatoskr-demo started, database=%s server=%s", cfg.DatabasePath, cfg.ServerURL)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infof("shutting down")

	if err := coordinator.Destroy(); err != nil {
		log.Errorf("forced shutdown: %v", err)
	}

	log.Infof("shut down cleanly")
}

// invalidationOrNil avoids wrapping a nil *Broadcaster in a non-nil
// statustracker.Invalidator interface value, which would make the
// tracker's "t.invalidation != nil" guard pass and then panic on the
// nil receiver.
func invalidationOrNil(b *cacheinvalidation.Broadcaster) statustracker.Invalidator {
	if b == nil {
		return nil
	}
	return b
}

func wsURLFromHTTP(serverURL string) string {
	switch {
	case len(serverURL) >= 5 && serverURL[:5] == "https":
		return "wss" + serverURL[5:]
	case len(serverURL) >= 4 && serverURL[:4] == "http":
		return "ws" + serverURL[4:]
	default:
		return serverURL
	}
}
