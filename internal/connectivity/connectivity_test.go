package connectivity

import (
	"testing"
	"time"
)

func TestManager_InitialStateOfflineWhenBrowserOffline(t *testing.T) {
	m := New(false)
	if m.State() != Offline {
		t.Errorf("State = %v, want offline", m.State())
	}
}

func TestManager_InitialStateOfflineWhenBrowserOnlineButNoServer(t *testing.T) {
	m := New(true)
	if m.State() != Offline {
		t.Errorf("State = %v, want offline", m.State())
	}
}

func TestManager_TruthTable(t *testing.T) {
	cases := []struct {
		name             string
		browserOnline    bool
		serverConnected  bool
		serverConnecting bool
		want             State
	}{
		{"browser offline overrides everything", false, true, true, Offline},
		{"online when connected", true, true, false, Online},
		{"online when connected even if also connecting", true, true, true, Online},
		{"connecting when not connected but connecting", true, false, true, Connecting},
		{"offline when neither connecting nor connected", true, false, false, Offline},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := New(tc.browserOnline)
			m.SetServerConnected(tc.serverConnected)
			m.SetServerConnecting(tc.serverConnecting)
			if got := m.State(); got != tc.want {
				t.Errorf("State = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestManager_RepeatedTransitionDoesNotNotify(t *testing.T) {
	m := New(true)

	var calls int
	unsubscribe := m.Subscribe(func(State) { calls++ })
	defer unsubscribe()

	m.SetServerConnecting(true)
	if calls != 1 {
		t.Fatalf("calls after first transition = %d, want 1", calls)
	}

	m.SetServerConnecting(true)
	if calls != 1 {
		t.Errorf("calls after repeated identical transition = %d, want 1 (no duplicate notify)", calls)
	}
}

func TestManager_TransitionToOnlineNotifiesListener(t *testing.T) {
	m := New(true)

	var got State
	unsubscribe := m.Subscribe(func(s State) { got = s })
	defer unsubscribe()

	m.SetServerConnected(true)
	if got != Online {
		t.Errorf("listener received %v, want online", got)
	}
}

func TestManager_WaitForOnlineFastPathWhenAlreadyOnline(t *testing.T) {
	m := New(true)
	m.SetServerConnected(true)

	select {
	case <-m.WaitForOnline():
	case <-time.After(100 * time.Millisecond):
		t.Fatal("WaitForOnline did not resolve immediately when already online")
	}
}

func TestManager_WaitForOnlineResolvesOnTransition(t *testing.T) {
	m := New(true)

	done := m.WaitForOnline()

	select {
	case <-done:
		t.Fatal("WaitForOnline resolved before state became online")
	default:
	}

	m.SetServerConnected(true)

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("WaitForOnline did not resolve after transition to online")
	}
}

func TestManager_ListenerPanicIsolated(t *testing.T) {
	m := New(true)

	m.Subscribe(func(State) { panic("boom") })

	var called bool
	m.Subscribe(func(State) { called = true })

	m.SetServerConnected(true)
	if !called {
		t.Error("second listener should still fire after the first panicked")
	}
}

func TestManager_DestroyClearsSubscribersAndAbsorbsFurtherCalls(t *testing.T) {
	m := New(true)

	var calls int
	m.Subscribe(func(State) { calls++ })

	m.Destroy()
	m.SetServerConnected(true)

	if calls != 0 {
		t.Errorf("calls after destroy = %d, want 0 (destroyed manager must not surface further state)", calls)
	}
}
