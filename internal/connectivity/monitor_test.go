package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_DefaultsOnline(t *testing.T) {
	assert.True(t, NewMonitor().IsOnline())
	assert.False(t, NewMonitorWithState(false).IsOnline())
}

func TestMonitor_CallbackOncePerTransition(t *testing.T) {
	m := NewMonitor()
	var events []bool
	m.Subscribe(func(online bool) { events = append(events, online) })

	assert.False(t, m.SetOnline(true), "repeating current state is not a transition")
	assert.True(t, m.SetOnline(false))
	assert.False(t, m.SetOnline(false))
	assert.True(t, m.SetOnline(true))

	assert.Equal(t, []bool{false, true}, events)
}

func TestMonitor_SignalEvents(t *testing.T) {
	m := NewMonitor()
	m.Signal(EventOffline)
	assert.False(t, m.IsOnline())
	m.Signal("bogus")
	assert.False(t, m.IsOnline())
	m.Signal(EventOnline)
	assert.True(t, m.IsOnline())
}

func TestMonitor_Unsubscribe(t *testing.T) {
	m := NewMonitor()
	var calls int
	sub := m.Subscribe(func(bool) { calls++ })

	m.SetOnline(false)
	sub.Unsubscribe()
	sub.Unsubscribe()
	m.SetOnline(true)

	assert.Equal(t, 1, calls)
}

func TestMonitor_PanickingCallbackDoesNotStopOthers(t *testing.T) {
	m := NewMonitor()
	var reached bool
	m.Subscribe(func(bool) { panic("boom") })
	m.Subscribe(func(bool) { reached = true })

	require.NotPanics(t, func() { m.SetOnline(false) })
	assert.True(t, reached)
	assert.False(t, m.IsOnline())
}

func TestMonitor_CallbackMaySetState(t *testing.T) {
	m := NewMonitor()
	m.Subscribe(func(online bool) {
		if !online {
			m.SetOnline(true)
		}
	})
	m.SetOnline(false)
	assert.True(t, m.IsOnline())
}

func TestProber_Check(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewProber(NewMonitor(), srv.URL, time.Hour, time.Second)
	assert.True(t, p.Check(context.Background()), "any response means reachable")

	srv.Close()
	assert.False(t, p.Check(context.Background()))
}

func TestProber_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	p := NewProber(NewMonitor(), srv.URL, time.Hour, 50*time.Millisecond)
	start := time.Now()
	assert.False(t, p.Check(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestProber_RunFeedsMonitor(t *testing.T) {
	var up atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !up.Load() {
			hj, ok := w.(http.Hijacker)
			if ok {
				conn, _, _ := hj.Hijack()
				_ = conn.Close()
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m := NewMonitor()
	p := NewProber(m, srv.URL, 10*time.Millisecond, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return !m.IsOnline() }, 2*time.Second, 5*time.Millisecond)
	up.Store(true)
	require.Eventually(t, m.IsOnline, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestProber_CancelledCheckKeepsState(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	m := NewMonitor()
	var transitions atomic.Int32
	m.Subscribe(func(bool) { transitions.Add(1) })

	p := NewProber(m, srv.URL, time.Hour, 5*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	assert.True(t, m.IsOnline())
	assert.Zero(t, transitions.Load(), "shutdown must not report connectivity lost")
}
