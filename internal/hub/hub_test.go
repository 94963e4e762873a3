package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// mockConn records what it is sent. A failing mockConn rejects every Send.
type mockConn struct {
	id   string
	fail bool

	mu       sync.Mutex
	received [][]byte
	closed   bool
}

func newMockConn(id string) *mockConn { return &mockConn{id: id} }

func (m *mockConn) ID() string { return m.id }

func (m *mockConn) Send(data []byte) error {
	if m.fail {
		return errors.New("broken pipe")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = append(m.received, data)
	return nil
}

func (m *mockConn) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *mockConn) messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.received))
	for i, d := range m.received {
		out[i] = string(d)
	}
	return out
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type note struct {
	Type string `json:"type"`
	N    int    `json:"n"`
}

func TestHub_BroadcastReachesEveryConnection(t *testing.T) {
	h := New()
	a, b := newMockConn("a"), newMockConn("b")
	h.Register("room1", a)
	h.Register("room1", b)

	if n := h.Broadcast("room1", note{Type: "x", N: 1}); n != 2 {
		t.Errorf("delivered = %d, want 2", n)
	}
	for _, c := range []*mockConn{a, b} {
		msgs := c.messages()
		if len(msgs) != 1 || msgs[0] != `{"type":"x","n":1}` {
			t.Errorf("%s received %v", c.id, msgs)
		}
	}
}

func TestHub_SessionsAreIsolated(t *testing.T) {
	h := New()
	a, other := newMockConn("a"), newMockConn("z")
	h.Register("room1", a)
	h.Register("room2", other)

	h.Broadcast("room1", note{Type: "x"})
	if len(other.messages()) != 0 {
		t.Error("broadcast leaked into another session")
	}
}

func TestHub_FailingConnectionDoesNotBlockOthers(t *testing.T) {
	h := New()
	bad := newMockConn("bad")
	bad.fail = true
	good1, good2 := newMockConn("g1"), newMockConn("g2")
	h.Register("room1", good1)
	h.Register("room1", bad)
	h.Register("room1", good2)

	if n := h.Broadcast("room1", note{Type: "x"}); n != 2 {
		t.Errorf("delivered = %d, want 2", n)
	}
	if len(good1.messages()) != 1 || len(good2.messages()) != 1 {
		t.Error("healthy connections missed the event")
	}
	if !bad.isClosed() {
		t.Error("failing connection should be closed")
	}
	if h.Count("room1") != 2 {
		t.Errorf("Count = %d, want 2 after drop", h.Count("room1"))
	}
}

func TestHub_BroadcastExcept(t *testing.T) {
	h := New()
	sender, peer := newMockConn("s"), newMockConn("p")
	h.Register("room1", sender)
	h.Register("room1", peer)

	if n := h.BroadcastExcept("room1", "s", note{Type: "edit"}); n != 1 {
		t.Errorf("delivered = %d, want 1", n)
	}
	if len(sender.messages()) != 0 {
		t.Error("sender received its own edit")
	}
	if len(peer.messages()) != 1 {
		t.Error("peer missed the edit")
	}
}

func TestHub_SendTo(t *testing.T) {
	h := New()
	a, b := newMockConn("a"), newMockConn("b")
	h.Register("room1", a)
	h.Register("room1", b)

	if err := h.SendTo("room1", "a", note{Type: "only-a"}); err != nil {
		t.Fatal(err)
	}
	if len(a.messages()) != 1 || len(b.messages()) != 0 {
		t.Errorf("SendTo reached a=%d b=%d", len(a.messages()), len(b.messages()))
	}
	if err := h.SendTo("room1", "missing", note{}); !errors.Is(err, ErrConnNotFound) {
		t.Errorf("err = %v, want ErrConnNotFound", err)
	}
}

func TestHub_SendToFailingConnection(t *testing.T) {
	h := New()
	bad := newMockConn("bad")
	bad.fail = true
	h.Register("room1", bad)

	if err := h.SendTo("room1", "bad", note{}); err == nil {
		t.Error("expected send error")
	}
	if !bad.isClosed() || h.Count("room1") != 0 {
		t.Error("failing connection should be dropped")
	}
}

func TestHub_Unregister(t *testing.T) {
	h := New()
	h.Register("room1", newMockConn("a"))
	if !h.Unregister("room1", "a") {
		t.Error("Unregister reported false for a registered connection")
	}
	if h.Unregister("room1", "a") {
		t.Error("second Unregister reported true")
	}
	if h.Broadcast("room1", note{}) != 0 {
		t.Error("broadcast to empty session delivered")
	}
}

func TestHub_EventOrderPreserved(t *testing.T) {
	h := New()
	a, b := newMockConn("a"), newMockConn("b")
	h.Register("room1", a)
	h.Register("room1", b)

	for i := 0; i < 20; i++ {
		h.Broadcast("room1", note{Type: "seq", N: i})
	}
	for _, c := range []*mockConn{a, b} {
		for i, m := range c.messages() {
			var n note
			if err := json.Unmarshal([]byte(m), &n); err != nil {
				t.Fatal(err)
			}
			if n.N != i {
				t.Fatalf("%s: message %d has seq %d", c.id, i, n.N)
			}
		}
	}
}

func TestHub_ConcurrentRegisterAndBroadcast(t *testing.T) {
	h := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			h.Register("room1", newMockConn(fmt.Sprint(i)))
		}(i)
		go func() {
			defer wg.Done()
			h.Broadcast("room1", note{Type: "x"})
		}()
	}
	wg.Wait()
	if h.Count("room1") != 20 {
		t.Errorf("Count = %d, want 20", h.Count("room1"))
	}
}

func TestHub_CloseAll(t *testing.T) {
	h := New()
	a, b := newMockConn("a"), newMockConn("b")
	h.Register("room1", a)
	h.Register("room2", b)
	h.CloseAll()

	if !a.isClosed() || !b.isClosed() {
		t.Error("CloseAll left connections open")
	}
	if h.Count("room1") != 0 || h.Count("room2") != 0 {
		t.Error("CloseAll left connections registered")
	}
}

func TestHub_UnmarshalableEvent(t *testing.T) {
	h := New()
	a := newMockConn("a")
	h.Register("room1", a)
	if n := h.Broadcast("room1", make(chan int)); n != 0 {
		t.Errorf("delivered = %d, want 0", n)
	}
	if a.isClosed() {
		t.Error("marshal failure must not drop connections")
	}
}
