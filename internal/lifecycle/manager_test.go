package lifecycle

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// callLog records calls across fakes so tests can assert ordering.
type callLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.entries = append(l.entries, s)
	l.mu.Unlock()
}

func (l *callLog) index(s string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e == s {
			return i
		}
	}
	return -1
}

func (l *callLog) count(s string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e == s {
			n++
		}
	}
	return n
}

type fakeAwareness struct {
	log  *callLog
	name string
}

func (a *fakeAwareness) SetLocalState(state map[string]interface{}) {
	if state == nil {
		a.log.add("awareness-clear:" + a.name)
	}
}

type fakeTransport struct {
	name string
	log  *callLog

	connectErr    error
	disconnectErr error
	silent        bool // never acknowledges Disconnect

	mu     sync.Mutex
	subs   map[int]func(StatusEvent)
	nextID int
}

func newFakeTransport(name string, log *callLog) *fakeTransport {
	return &fakeTransport{name: name, log: log, subs: make(map[int]func(StatusEvent))}
}

func (f *fakeTransport) emit(status string) {
	f.mu.Lock()
	subs := make([]func(StatusEvent), 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()
	for _, fn := range subs {
		fn(StatusEvent{Status: status})
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.log.add("connect:" + f.name)
	if f.connectErr != nil {
		return f.connectErr
	}
	f.emit(TransportConnected)
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.log.add("disconnect:" + f.name)
	if f.disconnectErr != nil {
		return f.disconnectErr
	}
	if !f.silent {
		f.emit(TransportDisconnected)
	}
	return nil
}

func (f *fakeTransport) Destroy() { f.log.add("destroy:" + f.name) }

func (f *fakeTransport) OnStatus(fn func(StatusEvent)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

func (f *fakeTransport) Awareness() Awareness {
	return &fakeAwareness{log: f.log, name: f.name}
}

type fakeDoc struct {
	id        string
	log       *callLog
	onDestroy func()
}

func (d *fakeDoc) ID() string    { return d.id }
func (d *fakeDoc) IsValid() bool { return true }

func (d *fakeDoc) Destroy() {
	d.log.add("destroy-doc:" + d.id)
	if d.onDestroy != nil {
		d.onDestroy()
	}
}

type fakeHandler struct {
	name string
	log  *callLog
}

func (h *fakeHandler) Destroy() { h.log.add("destroy-handler:" + h.name) }

// eventRecorder collects broadcast events of one kind.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func record(m *Manager) *eventRecorder {
	r := &eventRecorder{}
	m.Subscribe(func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	})
	return r
}

func (r *eventRecorder) statuses() []ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ConnectionStatus
	for _, ev := range r.events {
		if ev.Kind == EventProviderStatusChanged {
			out = append(out, ev.Status)
		}
	}
	return out
}

func (r *eventRecorder) has(kind EventKind, has bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind && ev.Has == has {
			return true
		}
	}
	return false
}

func testOptions() *Options {
	return &Options{DisconnectTimeout: 50 * time.Millisecond}
}

func TestSetConnection_Connects(t *testing.T) {
	log := &callLog{}
	m := New(testOptions())
	rec := record(m)

	tr := newFakeTransport("a", log)
	got, err := m.SetConnection(context.Background(), Resolved("doc", tr), "test")
	if err != nil {
		t.Fatalf("SetConnection failed: %v", err)
	}
	if got != tr {
		t.Error("SetConnection returned a different transport")
	}
	if m.Connection() != tr {
		t.Error("Connection() not set")
	}
	if m.Status() != StatusConnected {
		t.Errorf("status = %s, want connected", m.Status())
	}

	want := []ConnectionStatus{StatusConnecting, StatusConnected}
	got2 := rec.statuses()
	if len(got2) != len(want) {
		t.Fatalf("statuses = %v, want %v", got2, want)
	}
	for i := range want {
		if got2[i] != want[i] {
			t.Errorf("status[%d] = %s, want %s", i, got2[i], want[i])
		}
	}
	if m.IsCreatingSession() {
		t.Error("creation flag left set")
	}
}

func TestSetConnection_CoalescesConcurrentCalls(t *testing.T) {
	log := &callLog{}
	m := New(testOptions())

	entered := make(chan struct{})
	release := make(chan struct{})
	trA := newFakeTransport("a", log)
	var createdA, createdB int32

	factoryA := func(ctx context.Context) (Transport, error) {
		atomic.AddInt32(&createdA, 1)
		close(entered)
		<-release
		return trA, nil
	}
	factoryB := func(ctx context.Context) (Transport, error) {
		atomic.AddInt32(&createdB, 1)
		return newFakeTransport("b", log), nil
	}

	results := make(chan Transport, 2)
	go func() {
		tr, err := m.SetConnection(context.Background(), Pending("doc", factoryA), "first")
		if err != nil {
			t.Errorf("first SetConnection: %v", err)
		}
		results <- tr
	}()
	<-entered
	if !m.IsCreatingSession() {
		t.Error("IsCreatingSession should be true while connecting")
	}
	go func() {
		tr, err := m.SetConnection(context.Background(), Pending("doc", factoryB), "second")
		if err != nil {
			t.Errorf("second SetConnection: %v", err)
		}
		results <- tr
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	r1, r2 := <-results, <-results
	if r1 != trA || r2 != trA {
		t.Errorf("callers got %v and %v, want the same transport", r1, r2)
	}
	if n := atomic.LoadInt32(&createdA); n != 1 {
		t.Errorf("factory A ran %d times, want 1", n)
	}
	if n := atomic.LoadInt32(&createdB); n != 0 {
		t.Errorf("factory B ran %d times, want 0", n)
	}
	if n := log.count("connect:a"); n != 1 {
		t.Errorf("connect called %d times, want 1", n)
	}
}

func TestSetConnection_FailureThenRetry(t *testing.T) {
	log := &callLog{}
	m := New(testOptions())
	rec := record(m)

	bad := newFakeTransport("bad", log)
	bad.connectErr = errors.New("refused")
	_, err := m.SetConnection(context.Background(), Resolved("doc", bad), "test")
	if err == nil {
		t.Fatal("expected connect failure")
	}
	if !errors.Is(err, bad.connectErr) {
		t.Errorf("error %v does not wrap the transport error", err)
	}
	if m.Connection() != nil {
		t.Error("failed connection left installed")
	}
	if m.Status() != StatusError {
		t.Errorf("status = %s, want error", m.Status())
	}
	if log.index("destroy:bad") < 0 {
		t.Error("failed transport not destroyed")
	}
	got := rec.statuses()
	if len(got) != 2 || got[0] != StatusConnecting || got[1] != StatusError {
		t.Errorf("statuses = %v, want [connecting error]", got)
	}
	if m.Flags().CreatingConnection {
		t.Error("creation flag left set after failure")
	}

	good := newFakeTransport("good", log)
	if _, err := m.SetConnection(context.Background(), Resolved("doc", good), "retry"); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if m.Status() != StatusConnected || m.Connection() != good {
		t.Errorf("after retry status = %s, connection = %v", m.Status(), m.Connection())
	}
}

func TestSetConnection_NoTransport(t *testing.T) {
	m := New(testOptions())
	_, err := m.SetConnection(context.Background(), PendingConnection{Target: "doc"}, "test")
	if !errors.Is(err, ErrNoTransport) {
		t.Errorf("err = %v, want ErrNoTransport", err)
	}
}

func TestSetConnection_KeepsLiveSameTarget(t *testing.T) {
	log := &callLog{}
	m := New(testOptions())

	first := newFakeTransport("a", log)
	if _, err := m.SetConnection(context.Background(), Resolved("doc", first), "test"); err != nil {
		t.Fatal(err)
	}
	second := newFakeTransport("b", log)
	got, err := m.SetConnection(context.Background(), Resolved("doc", second), "test")
	if err != nil {
		t.Fatal(err)
	}
	if got != first {
		t.Error("live connection to the same target was replaced")
	}
	if log.index("connect:b") >= 0 {
		t.Error("unused transport was connected")
	}
	if log.index("destroy:b") < 0 {
		t.Error("unused transport was not destroyed")
	}
	if log.index("disconnect:a") >= 0 {
		t.Error("live connection was disconnected")
	}
}

func TestSetConnection_ReplacesOtherTarget(t *testing.T) {
	log := &callLog{}
	m := New(testOptions())

	first := newFakeTransport("a", log)
	if _, err := m.SetConnection(context.Background(), Resolved("doc-a", first), "test"); err != nil {
		t.Fatal(err)
	}
	second := newFakeTransport("b", log)
	if _, err := m.SetConnection(context.Background(), Resolved("doc-b", second), "test"); err != nil {
		t.Fatal(err)
	}
	if m.Connection() != second || m.Target() != "doc-b" {
		t.Errorf("connection = %v target = %q", m.Connection(), m.Target())
	}
	if d, c := log.index("disconnect:a"), log.index("connect:b"); d < 0 || d > c {
		t.Errorf("old connection must be disconnected before the new one connects (disconnect=%d connect=%d)", d, c)
	}
	if log.index("destroy:a") < 0 {
		t.Error("old transport not destroyed")
	}
}

func TestTransportStatus_Mirrored(t *testing.T) {
	log := &callLog{}
	m := New(testOptions())
	tr := newFakeTransport("a", log)
	if _, err := m.SetConnection(context.Background(), Resolved("doc", tr), "test"); err != nil {
		t.Fatal(err)
	}

	tr.emit(TransportDisconnected)
	if m.Status() != StatusDisconnected {
		t.Errorf("status = %s after peer drop, want disconnected", m.Status())
	}
	tr.emit(TransportConnecting)
	tr.emit(TransportConnected)
	if m.Status() != StatusConnected {
		t.Errorf("status = %s after reconnect, want connected", m.Status())
	}
}

func TestCleanupConnection(t *testing.T) {
	log := &callLog{}
	m := New(testOptions())
	tr := newFakeTransport("a", log)
	if _, err := m.SetConnection(context.Background(), Resolved("doc", tr), "test"); err != nil {
		t.Fatal(err)
	}

	if err := m.CleanupConnection(context.Background(), "test"); err != nil {
		t.Fatalf("CleanupConnection: %v", err)
	}
	if err := m.CleanupConnection(context.Background(), "test"); err != nil {
		t.Fatalf("second CleanupConnection: %v", err)
	}

	if n := log.count("disconnect:a"); n != 1 {
		t.Errorf("disconnect called %d times, want 1", n)
	}
	if n := log.count("destroy:a"); n != 1 {
		t.Errorf("destroy called %d times, want 1", n)
	}
	if a, d := log.index("awareness-clear:a"), log.index("disconnect:a"); a < 0 || a > d {
		t.Error("presence must be cleared before disconnecting")
	}
	if m.Connection() != nil {
		t.Error("connection reference not cleared")
	}
	if m.Status() != StatusDisconnected {
		t.Errorf("status = %s, want disconnected", m.Status())
	}
	if m.IsCleaningUp() {
		t.Error("cleanup flag left set")
	}
}

func TestCleanupConnection_DisconnectTimeout(t *testing.T) {
	log := &callLog{}
	m := New(&Options{DisconnectTimeout: 10 * time.Millisecond})
	tr := newFakeTransport("a", log)
	tr.silent = true
	if _, err := m.SetConnection(context.Background(), Resolved("doc", tr), "test"); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- m.CleanupConnection(context.Background(), "test") }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("CleanupConnection: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cleanup did not fall back after the disconnect timeout")
	}
	if log.index("destroy:a") < 0 {
		t.Error("transport not destroyed after timeout")
	}
}

func TestCleanupConnection_DisconnectErrorStillClears(t *testing.T) {
	log := &callLog{}
	m := New(testOptions())
	tr := newFakeTransport("a", log)
	tr.disconnectErr = errors.New("socket gone")
	if _, err := m.SetConnection(context.Background(), Resolved("doc", tr), "test"); err != nil {
		t.Fatal(err)
	}

	err := m.CleanupConnection(context.Background(), "test")
	if !errors.Is(err, tr.disconnectErr) {
		t.Errorf("err = %v, want wrapped disconnect error", err)
	}
	if m.Connection() != nil {
		t.Error("reference not cleared after disconnect error")
	}
	if m.Status() != StatusError {
		t.Errorf("status = %s, want error", m.Status())
	}
	if log.index("destroy:a") < 0 {
		t.Error("transport not destroyed after disconnect error")
	}
}

func TestCleanupConnection_WaitsForCreation(t *testing.T) {
	log := &callLog{}
	m := New(testOptions())

	entered := make(chan struct{})
	release := make(chan struct{})
	tr := newFakeTransport("a", log)
	created := make(chan struct{})
	go func() {
		defer close(created)
		m.SetConnection(context.Background(), Pending("doc", func(ctx context.Context) (Transport, error) {
			close(entered)
			<-release
			return tr, nil
		}), "create")
	}()
	<-entered

	cleaned := make(chan error, 1)
	go func() { cleaned <- m.CleanupConnection(context.Background(), "cleanup") }()
	time.Sleep(10 * time.Millisecond)
	if log.index("disconnect:a") >= 0 {
		t.Fatal("cleanup ran before the creation finished")
	}
	close(release)
	<-created
	if err := <-cleaned; err != nil {
		t.Fatalf("CleanupConnection: %v", err)
	}

	if c, d := log.index("connect:a"), log.index("disconnect:a"); c < 0 || d < c {
		t.Errorf("want connect then disconnect, got connect=%d disconnect=%d", c, d)
	}
	if m.Connection() != nil {
		t.Error("connection survived cleanup")
	}
}

func TestSetDocument(t *testing.T) {
	log := &callLog{}
	m := New(testOptions())
	rec := record(m)

	a := &fakeDoc{id: "a", log: log}
	b := &fakeDoc{id: "b", log: log}
	m.SetDocument(a, "test")
	m.SetDocument(a, "test")
	if log.count("destroy-doc:a") != 0 {
		t.Error("setting the same document destroyed it")
	}
	m.SetDocument(b, "test")
	if log.count("destroy-doc:a") != 1 {
		t.Error("replaced document not destroyed exactly once")
	}
	if m.Document() != b {
		t.Error("Document() not updated")
	}
	if !rec.has(EventDocumentChanged, true) {
		t.Error("no ydoc-changed event")
	}

	m.CleanupDocument("test")
	m.CleanupDocument("test")
	if log.count("destroy-doc:b") != 1 {
		t.Error("CleanupDocument not idempotent")
	}
	if m.Document() != nil {
		t.Error("document reference not cleared")
	}
}

func TestCleanupAll_Order(t *testing.T) {
	log := &callLog{}
	m := New(testOptions())
	rec := record(m)

	m.SetDocument(&fakeDoc{id: "d", log: log}, "test")
	if _, err := m.SetConnection(context.Background(), Resolved("doc", newFakeTransport("a", log)), "test"); err != nil {
		t.Fatal(err)
	}
	if err := m.BindHandlers("test", func() ([]Handler, error) {
		return []Handler{&fakeHandler{name: "editor", log: log}}, nil
	}); err != nil {
		t.Fatal(err)
	}
	var fired int32
	m.AfterFunc(20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	m.StartHeartbeat(5*time.Millisecond, func() {})

	m.CleanupAll(context.Background(), "unmount")

	h := log.index("destroy-handler:editor")
	d := log.index("disconnect:a")
	x := log.index("destroy-doc:d")
	if h < 0 || d < 0 || x < 0 || !(h < d && d < x) {
		t.Errorf("teardown order handler=%d disconnect=%d document=%d", h, d, x)
	}
	if m.Status() != StatusIdle {
		t.Errorf("status = %s, want idle", m.Status())
	}
	if m.Connection() != nil || m.Document() != nil {
		t.Error("references survived CleanupAll")
	}
	if !rec.has(EventEditorChanged, false) {
		t.Error("no editor-changed event on teardown")
	}
	if m.Flags() != (Flags{}) {
		t.Errorf("flags left set: %+v", m.Flags())
	}

	time.Sleep(40 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Error("pending callback fired after CleanupAll")
	}

	m.CleanupAll(context.Background(), "again")
	if n := log.count("destroy-doc:d"); n != 1 {
		t.Errorf("document destroyed %d times", n)
	}
}

func TestCleanupAll_Interleavings(t *testing.T) {
	for i := 0; i < 100; i++ {
		rng := rand.New(rand.NewSource(int64(i)))
		log := &callLog{}
		m := New(&Options{DisconnectTimeout: 20 * time.Millisecond})
		m.SetDocument(&fakeDoc{id: "d", log: log}, "test")
		if _, err := m.SetConnection(context.Background(), Resolved("doc-a", newFakeTransport("a", log)), "test"); err != nil {
			t.Fatal(err)
		}

		switchDelay := time.Duration(rng.Intn(2000)) * time.Microsecond
		cleanupDelay := time.Duration(rng.Intn(2000)) * time.Microsecond
		dialDelay := time.Duration(rng.Intn(2000)) * time.Microsecond

		var switchErr error
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			time.Sleep(switchDelay)
			_, switchErr = m.SetConnection(context.Background(), Pending("doc-b", func(ctx context.Context) (Transport, error) {
				time.Sleep(dialDelay)
				return newFakeTransport("b", log), nil
			}), "switch")
		}()
		go func() {
			defer wg.Done()
			time.Sleep(cleanupDelay)
			m.CleanupAll(context.Background(), "unmount")
		}()
		wg.Wait()

		d, x := log.index("disconnect:a"), log.index("destroy-doc:d")
		if d < 0 || x < 0 || d > x {
			t.Fatalf("run %d: disconnect=%d document-destroy=%d; connection must be disconnected first", i, d, x)
		}
		if f := m.Flags(); f.CreatingConnection || f.CleaningUpConnection || f.CleaningUpAll {
			t.Fatalf("run %d: flags left set: %+v", i, f)
		}

		// A connection may only survive if it was created after the
		// cleanup finished; anything earlier must be gone.
		if conn := m.Connection(); conn != nil {
			if switchErr != nil || log.index("connect:b") < x || m.Status() != StatusConnected {
				t.Fatalf("run %d: connection %v survived cleanup (status %s, switch err %v)", i, conn, m.Status(), switchErr)
			}
		} else if switchErr == nil && log.index("connect:b") > x {
			t.Fatalf("run %d: switch after cleanup succeeded but left no connection", i)
		} else if m.Status() != StatusIdle {
			t.Fatalf("run %d: status = %s with no connection, want idle", i, m.Status())
		}
	}
}

func TestCleanupAll_RefusesCreationDuringTeardown(t *testing.T) {
	log := &callLog{}
	m := New(testOptions())

	var createErr error
	doc := &fakeDoc{id: "d", log: log}
	doc.onDestroy = func() {
		_, createErr = m.SetConnection(context.Background(), Resolved("doc-b", newFakeTransport("b", log)), "destroy")
	}
	m.SetDocument(doc, "test")
	if _, err := m.SetConnection(context.Background(), Resolved("doc-a", newFakeTransport("a", log)), "test"); err != nil {
		t.Fatal(err)
	}

	m.CleanupAll(context.Background(), "unmount")

	if !errors.Is(createErr, ErrCleanupInProgress) {
		t.Errorf("SetConnection during cleanup err = %v, want ErrCleanupInProgress", createErr)
	}
	if log.index("connect:b") >= 0 {
		t.Error("transport connected while the session was being torn down")
	}
	if m.Connection() != nil || m.Status() != StatusIdle {
		t.Errorf("after CleanupAll: connection=%v status=%s, want nil and idle", m.Connection(), m.Status())
	}
	if m.Flags() != (Flags{}) {
		t.Errorf("flags left set: %+v", m.Flags())
	}

	// The session is usable again once cleanup is over.
	if _, err := m.SetConnection(context.Background(), Resolved("doc-c", newFakeTransport("c", log)), "test"); err != nil {
		t.Fatalf("SetConnection after cleanup: %v", err)
	}
}

func TestCleanupConnection_DuringReplace(t *testing.T) {
	log := &callLog{}
	m := New(&Options{DisconnectTimeout: 200 * time.Millisecond})

	old := newFakeTransport("a", log)
	old.silent = true
	if _, err := m.SetConnection(context.Background(), Resolved("doc-a", old), "test"); err != nil {
		t.Fatal(err)
	}

	switched := make(chan error, 1)
	go func() {
		_, err := m.SetConnection(context.Background(), Resolved("doc-b", newFakeTransport("b", log)), "switch")
		switched <- err
	}()

	// Wait until the switch is tearing down "a" and waiting on its ack.
	deadline := time.Now().Add(time.Second)
	for {
		f := m.Flags()
		if f.CreatingConnection && f.CleaningUpConnection {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("switch never reached the replace phase: %+v", f)
		}
		time.Sleep(time.Millisecond)
	}

	if err := m.CleanupConnection(context.Background(), "cancel"); err != nil {
		t.Fatalf("CleanupConnection: %v", err)
	}
	if err := <-switched; err != nil {
		t.Fatalf("switch: %v", err)
	}

	if c, d := log.index("connect:b"), log.index("disconnect:b"); c < 0 || d < c {
		t.Errorf("want connect:b then disconnect:b, got %d and %d", c, d)
	}
	if m.Connection() != nil {
		t.Error("connection created during the switch survived cleanup")
	}
	if s := m.Status(); s == StatusConnected || s == StatusConnecting {
		t.Errorf("status = %s after cleanup", s)
	}
}

func TestBindHandlers_ErrorDestroysPartialSet(t *testing.T) {
	log := &callLog{}
	m := New(testOptions())
	boom := errors.New("boom")

	err := m.BindHandlers("test", func() ([]Handler, error) {
		return []Handler{&fakeHandler{name: "partial", log: log}}, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	if log.index("destroy-handler:partial") < 0 {
		t.Error("partial handler set not destroyed")
	}
	if m.Flags().CreatingHandlers {
		t.Error("CreatingHandlers left set")
	}
}

func TestAfterFunc_Cancel(t *testing.T) {
	m := New(testOptions())
	var fired int32
	cancel := m.AfterFunc(10*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	cancel()
	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Error("cancelled callback fired")
	}

	done := make(chan struct{})
	m.AfterFunc(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("callback never fired")
	}
}
