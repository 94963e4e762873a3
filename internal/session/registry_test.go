package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	r := NewRegistry(opts)
	t.Cleanup(r.Close)
	return r
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestRegistry_JoinCreatesEmptySession(t *testing.T) {
	r := newTestRegistry(t, Options{GracePeriod: time.Minute})

	buf, err := r.Join("room1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if buf.Content != "" || buf.Revision != 0 {
		t.Errorf("new session buffer = %+v, want empty at revision 0", buf)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistry_JoinInvalidID(t *testing.T) {
	r := newTestRegistry(t, Options{})
	for _, id := range []string{"", strings.Repeat("x", MaxSessionIDLength+1)} {
		if _, err := r.Join(id, "c1"); !errors.Is(err, ErrInvalidSessionID) {
			t.Errorf("Join(%q) err = %v, want ErrInvalidSessionID", id, err)
		}
	}
}

func TestRegistry_MaxSessions(t *testing.T) {
	r := newTestRegistry(t, Options{MaxSessions: 1, GracePeriod: time.Minute})
	if _, err := r.Join("a", "c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Join("b", "c2"); !errors.Is(err, ErrTooManySessions) {
		t.Errorf("err = %v, want ErrTooManySessions", err)
	}
	// Joining an existing session is still allowed at the cap.
	if _, err := r.Join("a", "c3"); err != nil {
		t.Errorf("joining existing session: %v", err)
	}
}

// Two participants edit in turn; the second edit carries a stale origin and
// is rejected, and a rejoin sees the accepted content.
func TestRegistry_EditScenario(t *testing.T) {
	r := newTestRegistry(t, Options{GracePeriod: time.Minute})

	if _, err := r.Join("room1", "c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Join("room1", "c2"); err != nil {
		t.Fatal(err)
	}

	res, err := r.ApplyEdit("room1", 0, "print(1)")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Accepted || res.Revision != 1 {
		t.Fatalf("first edit = %+v, want accepted at 1", res)
	}

	res, err = r.ApplyEdit("room1", 0, "print(2)")
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted || res.Revision != 1 {
		t.Fatalf("stale edit = %+v, want rejected at 1", res)
	}

	buf, err := r.Join("room1", "c3")
	if err != nil {
		t.Fatal(err)
	}
	if buf.Content != "print(1)" || buf.Revision != 1 {
		t.Errorf("resync buffer = %+v", buf)
	}
}

func TestRegistry_StaleWindow(t *testing.T) {
	tests := []struct {
		origin int64
		want   bool
	}{
		{3, true},  // current
		{2, true},  // one behind
		{1, true},  // two behind, still in window
		{0, false}, // outside window
		{99, false},
	}
	for _, tt := range tests {
		r := newTestRegistry(t, Options{StaleWindow: 2, GracePeriod: time.Minute})
		r.Join("doc", "c1")
		for i := 0; i < 3; i++ {
			if res, _ := r.ApplyEdit("doc", int64(i), fmt.Sprint(i)); !res.Accepted {
				t.Fatalf("setup edit %d rejected", i)
			}
		}
		res, err := r.ApplyEdit("doc", tt.origin, "y")
		if err != nil {
			t.Fatal(err)
		}
		if res.Accepted != tt.want {
			t.Errorf("origin %d at revision 3: accepted = %v, want %v", tt.origin, res.Accepted, tt.want)
		}
	}
}

func TestRegistry_ConcurrentEditsIncrementRevisionOncePerAccept(t *testing.T) {
	const n = 50
	r := newTestRegistry(t, Options{GracePeriod: time.Minute})
	r.Join("doc", "c1")

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				buf, err := r.Snapshot("doc")
				if err != nil {
					t.Error(err)
					return
				}
				res, err := r.ApplyEdit("doc", buf.Revision, fmt.Sprintf("edit %d", i))
				if err != nil {
					t.Error(err)
					return
				}
				if res.Accepted {
					return
				}
			}
		}(i)
	}
	wg.Wait()

	buf, err := r.Snapshot("doc")
	if err != nil {
		t.Fatal(err)
	}
	if buf.Revision != n {
		t.Errorf("revision = %d, want %d", buf.Revision, n)
	}
}

func TestRegistry_DocumentTooLarge(t *testing.T) {
	r := newTestRegistry(t, Options{MaxDocumentBytes: 4, GracePeriod: time.Minute})
	r.Join("doc", "c1")
	if _, err := r.ApplyEdit("doc", 0, "12345"); !errors.Is(err, ErrDocumentTooLarge) {
		t.Errorf("err = %v, want ErrDocumentTooLarge", err)
	}
	if buf, _ := r.Snapshot("doc"); buf.Revision != 0 {
		t.Errorf("oversized edit changed revision to %d", buf.Revision)
	}
}

func TestRegistry_ApplyEditUnknownSession(t *testing.T) {
	r := newTestRegistry(t, Options{})
	if _, err := r.ApplyEdit("missing", 0, "x"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestRegistry_TeardownAfterGrace(t *testing.T) {
	removed := make(chan string, 1)
	r := newTestRegistry(t, Options{
		GracePeriod: 20 * time.Millisecond,
		OnRemove:    func(id string) { removed <- id },
	})

	r.Join("room1", "c1")
	r.ApplyEdit("room1", 0, "print(1)")
	r.Leave("room1", "c1")

	select {
	case id := <-removed:
		if id != "room1" {
			t.Errorf("removed %q, want room1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session not torn down after grace period")
	}

	if r.Len() != 0 {
		t.Errorf("Len() = %d after teardown", r.Len())
	}

	buf, err := r.Join("room1", "c2")
	if err != nil {
		t.Fatal(err)
	}
	if buf.Content != "" || buf.Revision != 0 {
		t.Errorf("rejoin after teardown = %+v, want fresh buffer", buf)
	}
}

func TestRegistry_RejoinCancelsTeardown(t *testing.T) {
	var mu sync.Mutex
	removed := 0
	r := newTestRegistry(t, Options{
		GracePeriod: 50 * time.Millisecond,
		OnRemove: func(string) {
			mu.Lock()
			removed++
			mu.Unlock()
		},
	})

	r.Join("room1", "c1")
	r.ApplyEdit("room1", 0, "keep me")
	r.Leave("room1", "c1")

	buf, err := r.Join("room1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if buf.Content != "keep me" || buf.Revision != 1 {
		t.Errorf("rejoin within grace = %+v", buf)
	}

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if removed != 0 {
		t.Errorf("session removed %d times despite rejoin", removed)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistry_LeaveKeepsSessionWhileOthersRemain(t *testing.T) {
	r := newTestRegistry(t, Options{GracePeriod: 10 * time.Millisecond})
	r.Join("room1", "c1")
	r.Join("room1", "c2")
	r.Leave("room1", "c1")

	time.Sleep(50 * time.Millisecond)
	info, err := r.Info("room1")
	if err != nil {
		t.Fatalf("session removed while a participant remained: %v", err)
	}
	if info.Participants != 1 {
		t.Errorf("participants = %d, want 1", info.Participants)
	}
}

func TestRegistry_JoinIsIdempotentPerConnection(t *testing.T) {
	r := newTestRegistry(t, Options{GracePeriod: time.Minute})
	r.Join("room1", "c1")
	r.Join("room1", "c1")
	if info, _ := r.Info("room1"); info.Participants != 1 {
		t.Errorf("participants = %d, want 1", info.Participants)
	}
}

func TestRegistry_RunSlot(t *testing.T) {
	r := newTestRegistry(t, Options{GracePeriod: time.Minute})
	r.Join("room1", "c1")

	slot, err := r.AcquireRun("room1")
	if err != nil {
		t.Fatal(err)
	}
	if info, _ := r.Info("room1"); info.ExecState != ExecQueued {
		t.Errorf("state = %s, want queued", info.ExecState)
	}
	if _, err := r.AcquireRun("room1"); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("second AcquireRun err = %v, want ErrRunInProgress", err)
	}

	slot.Running()
	if info, _ := r.Info("room1"); info.ExecState != ExecRunning {
		t.Errorf("state = %s, want running", info.ExecState)
	}

	slot.Release()
	slot.Release()
	if info, _ := r.Info("room1"); info.ExecState != ExecIdle {
		t.Errorf("state = %s, want idle", info.ExecState)
	}
	if _, err := r.AcquireRun("room1"); err != nil {
		t.Errorf("AcquireRun after release: %v", err)
	}
}

// A slot from a torn-down session must not free the slot of its successor.
func TestRegistry_StaleSlotDoesNotReleaseNewSession(t *testing.T) {
	r := newTestRegistry(t, Options{GracePeriod: 5 * time.Millisecond})
	r.Join("room1", "c1")
	old, err := r.AcquireRun("room1")
	if err != nil {
		t.Fatal(err)
	}
	r.Leave("room1", "c1")
	if !waitFor(t, 2*time.Second, func() bool { return r.Len() == 0 }) {
		t.Fatal("session not torn down")
	}

	r.Join("room1", "c2")
	if _, err := r.AcquireRun("room1"); err != nil {
		t.Fatal(err)
	}
	old.Release()
	if _, err := r.AcquireRun("room1"); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("err = %v, want ErrRunInProgress", err)
	}
}

func TestRegistry_List(t *testing.T) {
	r := newTestRegistry(t, Options{GracePeriod: time.Minute})
	r.Join("b", "c1")
	r.Join("a", "c2")
	r.Join("a", "c3")

	infos := r.List()
	if len(infos) != 2 {
		t.Fatalf("List() returned %d sessions", len(infos))
	}
	if infos[0].ID != "a" || infos[0].Participants != 2 || infos[1].ID != "b" {
		t.Errorf("List() = %+v", infos)
	}
}

func TestRegistry_Close(t *testing.T) {
	r := NewRegistry(Options{GracePeriod: time.Minute})
	r.Join("a", "c1")
	r.Close()

	if r.Len() != 0 {
		t.Errorf("Len() = %d after Close", r.Len())
	}
	if _, err := r.Join("a", "c1"); !errors.Is(err, ErrClosed) {
		t.Errorf("Join after Close err = %v, want ErrClosed", err)
	}
}

func TestRegistry_CallbacksSeeLockedState(t *testing.T) {
	r := newTestRegistry(t, Options{GracePeriod: time.Minute})

	var joined Buffer
	if _, err := r.JoinFunc("room1", "c1", func(b Buffer) { joined = b }); err != nil {
		t.Fatal(err)
	}
	if joined.Revision != 0 {
		t.Errorf("join callback saw revision %d", joined.Revision)
	}

	var gotRes EditResult
	var gotBuf Buffer
	r.ApplyEditFunc("room1", 0, "a", func(res EditResult, b Buffer) { gotRes, gotBuf = res, b })
	if !gotRes.Accepted || gotBuf.Content != "a" || gotBuf.Revision != 1 {
		t.Errorf("accepted callback = %+v / %+v", gotRes, gotBuf)
	}

	r.ApplyEditFunc("room1", 0, "b", func(res EditResult, b Buffer) { gotRes, gotBuf = res, b })
	if gotRes.Accepted || gotRes.Revision != 1 || gotBuf.Content != "a" {
		t.Errorf("rejected callback = %+v / %+v", gotRes, gotBuf)
	}
}
