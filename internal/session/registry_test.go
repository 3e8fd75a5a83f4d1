package session

import (
	"sync"
	"testing"
	"time"

	"github.com/terminal-mux/backend/internal/protocol"
	"github.com/terminal-mux/backend/internal/reconnect"
	"github.com/terminal-mux/backend/internal/transport"
)

// fakeFactory hands out fake transports and remembers them.
type fakeFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
	newErr     error
}

func (f *fakeFactory) New(params transport.OpenParams) (transport.Transport, error) {
	if f.newErr != nil {
		return nil, f.newErr
	}
	tr := newFakeTransport()
	f.mu.Lock()
	f.transports = append(f.transports, tr)
	f.mu.Unlock()
	return tr, nil
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}

func newTestRegistry(t *testing.T, cfg RegistryConfig) (*Registry, *fakeFactory) {
	t.Helper()
	factory := &fakeFactory{}
	r := NewRegistry(factory, nil, cfg)
	t.Cleanup(r.Close)
	return r, factory
}

func connectSession(t *testing.T, r *Registry, connID string, sink *fakeSink) *Session {
	t.Helper()
	s, err := r.Connect(connID, "user1", "device1", sink, protocol.ConnectData{
		SessionType: protocol.SessionTypeLocal,
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, time.Second, func() bool { return s.State() == StateActive })
	return s
}

func TestRegistry_ConnectAndGet(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConfig{})
	sink := &fakeSink{}

	s := connectSession(t, r, "conn1", sink)

	if s.Owner() != "conn1" {
		t.Errorf("expected owner conn1, got %q", s.Owner())
	}
	if s.PrincipalID() != "user1" {
		t.Errorf("expected principal user1, got %q", s.PrincipalID())
	}
	// Default dimensions applied when the connect payload omits them
	rows, cols := s.Size()
	if rows != 24 || cols != 80 {
		t.Errorf("expected 24x80 defaults, got %dx%d", rows, cols)
	}

	got, err := r.Get(s.ID())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != s {
		t.Error("Get returned a different session")
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 session, got %d", r.Len())
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConfig{})

	_, err := r.Get("nope")
	if protocol.AsEngineError(err).Code != protocol.CodeSessionNotFound {
		t.Errorf("expected session_not_found, got %v", err)
	}
}

func TestRegistry_SessionLimitPerConnection(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConfig{MaxSessionsPerConnection: 2})
	sink := &fakeSink{}

	connectSession(t, r, "conn1", sink)
	connectSession(t, r, "conn1", sink)

	_, err := r.Connect("conn1", "user1", "device1", sink, protocol.ConnectData{
		SessionType: protocol.SessionTypeLocal,
	})
	if protocol.AsEngineError(err).Code != protocol.CodePermissionDenied {
		t.Errorf("expected permission_denied at the limit, got %v", err)
	}

	// Another connection is unaffected
	connectSession(t, r, "conn2", sink)
}

func TestRegistry_RebindWithinGraceWindow(t *testing.T) {
	r, factory := newTestRegistry(t, RegistryConfig{GraceWindow: time.Minute})
	sink := &fakeSink{}
	s := connectSession(t, r, "conn1", sink)

	r.Detach("conn1")
	if s.Owner() != "" {
		t.Fatalf("expected detached session, owner %q", s.Owner())
	}

	// Output produced while detached accumulates
	factory.last().emit("missed output")
	waitFor(t, time.Second, func() bool { return s.PendingOutput() > 0 })

	sink2 := &fakeSink{}
	got, err := r.Rebind(s.ID(), "conn2", "user1", sink2)
	if err != nil {
		t.Fatalf("rebind: %v", err)
	}
	if got != s {
		t.Error("rebind returned a different session")
	}
	if s.Owner() != "conn2" {
		t.Errorf("expected owner conn2, got %q", s.Owner())
	}
	if sink2.find(protocol.MessageTypeSessionInfo) == nil {
		t.Error("expected session_info on rebind")
	}

	data, _ := s.DrainOutput(1024)
	if string(data) != "missed output" {
		t.Errorf("expected buffered output after rebind, got %q", string(data))
	}
}

func TestRegistry_RebindWrongPrincipal(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConfig{GraceWindow: time.Minute})
	sink := &fakeSink{}
	s := connectSession(t, r, "conn1", sink)
	r.Detach("conn1")

	_, err := r.Rebind(s.ID(), "conn2", "intruder", &fakeSink{})
	if protocol.AsEngineError(err).Code != protocol.CodePermissionDenied {
		t.Errorf("expected permission_denied, got %v", err)
	}
}

func TestRegistry_RebindWhileOwnedElsewhere(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConfig{GraceWindow: time.Minute})
	sink := &fakeSink{}
	s := connectSession(t, r, "conn1", sink)

	_, err := r.Rebind(s.ID(), "conn2", "user1", &fakeSink{})
	if protocol.AsEngineError(err).Code != protocol.CodeSessionNotFound {
		t.Errorf("expected session_not_found for a bound session, got %v", err)
	}
}

func TestRegistry_GraceWindowExpiry(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConfig{GraceWindow: 50 * time.Millisecond})
	sink := &fakeSink{}
	s := connectSession(t, r, "conn1", sink)
	id := s.ID()

	r.Detach("conn1")

	// The grace window runs out without a rebind; the session dies
	waitFor(t, time.Second, func() bool { return s.State() == StateClosed })
	waitFor(t, time.Second, func() bool { return r.Len() == 0 })

	_, err := r.Rebind(id, "conn2", "user1", &fakeSink{})
	if protocol.AsEngineError(err).Code != protocol.CodeSessionNotFound {
		t.Errorf("expected session_not_found after expiry, got %v", err)
	}
}

func TestRegistry_GraceWindowDerivedFromReconnectBudget(t *testing.T) {
	policy := reconnect.Policy{MaxAttempts: 2, BaseDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
	r, _ := newTestRegistry(t, RegistryConfig{Reconnect: policy})

	// 10ms + 20ms retry budget, no jitter
	if got := r.GraceWindow(); got != 30*time.Millisecond {
		t.Fatalf("expected a 30ms grace window, got %s", got)
	}
	if r.ReconnectPolicy() != policy {
		t.Errorf("expected the configured policy, got %+v", r.ReconnectPolicy())
	}

	sink := &fakeSink{}
	s := connectSession(t, r, "conn1", sink)
	id := s.ID()

	// The derived window governs orphan expiry
	r.Detach("conn1")
	waitFor(t, time.Second, func() bool { return s.State() == StateClosed })

	_, err := r.Rebind(id, "conn2", "user1", &fakeSink{})
	if protocol.AsEngineError(err).Code != protocol.CodeSessionNotFound {
		t.Errorf("expected session_not_found after the derived window, got %v", err)
	}
}

func TestRegistry_DefaultReconnectPolicy(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConfig{})

	if r.ReconnectPolicy() != reconnect.DefaultPolicy() {
		t.Errorf("expected the default policy, got %+v", r.ReconnectPolicy())
	}
	if r.GraceWindow() != reconnect.DefaultPolicy().Budget() {
		t.Errorf("expected the grace window to match the retry budget, got %s", r.GraceWindow())
	}
}

func TestRegistry_RebindCancelsExpiry(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConfig{GraceWindow: 80 * time.Millisecond})
	sink := &fakeSink{}
	s := connectSession(t, r, "conn1", sink)

	r.Detach("conn1")
	if _, err := r.Rebind(s.ID(), "conn2", "user1", &fakeSink{}); err != nil {
		t.Fatalf("rebind: %v", err)
	}

	// Well past the original window the session is still alive
	time.Sleep(200 * time.Millisecond)
	if s.State() != StateActive {
		t.Errorf("expected the rebound session to stay active, got %s", s.State())
	}
}

func TestRegistry_DetachOnlyAffectsOwnedSessions(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConfig{GraceWindow: time.Minute})
	sink := &fakeSink{}
	s1 := connectSession(t, r, "conn1", sink)
	s2 := connectSession(t, r, "conn2", sink)

	r.Detach("conn1")

	if s1.Owner() != "" {
		t.Errorf("expected s1 detached, owner %q", s1.Owner())
	}
	if s2.Owner() != "conn2" {
		t.Errorf("expected s2 untouched, owner %q", s2.Owner())
	}
}

func TestRegistry_SessionsOwnedBy(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConfig{})
	sink := &fakeSink{}
	connectSession(t, r, "conn1", sink)
	connectSession(t, r, "conn1", sink)
	connectSession(t, r, "conn2", sink)

	if n := len(r.SessionsOwnedBy("conn1")); n != 2 {
		t.Errorf("expected 2 sessions for conn1, got %d", n)
	}
	if n := len(r.SessionsOwnedBy("conn3")); n != 0 {
		t.Errorf("expected 0 sessions for conn3, got %d", n)
	}
}

func TestRegistry_ClosedSessionIsRemoved(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConfig{})
	sink := &fakeSink{}
	s := connectSession(t, r, "conn1", sink)

	s.Disconnect("client_request")
	<-s.Closed()

	waitFor(t, time.Second, func() bool { return r.Len() == 0 })
}

func TestRegistry_Close(t *testing.T) {
	factory := &fakeFactory{}
	r := NewRegistry(factory, nil, RegistryConfig{})
	sink := &fakeSink{}

	s1 := connectSession(t, r, "conn1", sink)
	s2 := connectSession(t, r, "conn2", sink)

	r.Close()

	if s1.State() != StateClosed || s2.State() != StateClosed {
		t.Errorf("expected all sessions closed, got %s and %s", s1.State(), s2.State())
	}
}

func TestRegistry_ConnectFactoryError(t *testing.T) {
	factory := &fakeFactory{newErr: protocol.NewError(protocol.CodeInvalidMessage, "unknown session_type")}
	r := NewRegistry(factory, nil, RegistryConfig{})
	defer r.Close()

	_, err := r.Connect("conn1", "user1", "device1", &fakeSink{}, protocol.ConnectData{})
	if err == nil {
		t.Fatal("expected an error from the factory")
	}
	if r.Len() != 0 {
		t.Errorf("expected no sessions after a failed connect, got %d", r.Len())
	}
}
