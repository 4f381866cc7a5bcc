package heartbeat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stoatlabs/vigil/internal/wake"
)

// countingWake tracks lease acquire/release balance.
type countingWake struct {
	acquired atomic.Int32
	released atomic.Int32
	failNext atomic.Bool
}

type countingLease struct{ w *countingWake }

func (l *countingLease) Release() { l.w.released.Add(1) }

type countingSource struct{ w *countingWake }

func (s *countingSource) Acquire(context.Context, string) (wake.Lease, error) {
	if s.w.failNext.Load() {
		return nil, errors.New("no inhibitor")
	}
	s.w.acquired.Add(1)
	return &countingLease{w: s.w}, nil
}

func newGateway(t *testing.T, token string, agent AgentRunner, w *countingWake) (*Gateway, *atomic.Int32) {
	t.Helper()
	var inits atomic.Int32
	g := NewGateway(token, &countingSource{w: w}, func(context.Context) (*Runner, error) {
		inits.Add(1)
		return NewRunner(agent, Config{Interval: time.Hour}, WithLogger(testLogger())), nil
	}, testLogger())
	return g, &inits
}

func TestVerifyCallerRejectsBeforeAnySideEffect(t *testing.T) {
	w := &countingWake{}
	g, inits := newGateway(t, "secret", &fakeAgent{text: "HEARTBEAT_OK"}, w)

	calls := []func() error{
		func() error { _, err := g.HeartbeatNow(context.Background(), "wrong"); return err },
		func() error { _, err := g.HeartbeatNowWithContext(context.Background(), "", "ctx"); return err },
		func() error {
			_, err := g.ReminderFired(context.Background(), "intruder", "r1", time.Now(), "msg", "label")
			return err
		},
		func() error { _, err := g.MessageReceived(context.Background(), "wrong", "hi"); return err },
		func() error { _, err := g.NotificationPosted(context.Background(), "wrong", "s"); return err },
	}
	for i, call := range calls {
		if err := call(); !errors.Is(err, ErrCallerUnauthorized) {
			t.Errorf("call %d: err = %v, want ErrCallerUnauthorized", i, err)
		}
	}
	if inits.Load() != 0 {
		t.Error("runtime initialized for unauthorized caller")
	}
	if w.acquired.Load() != 0 {
		t.Error("wake source touched by unauthorized caller")
	}
}

func TestEmptyTokenRejectsEveryone(t *testing.T) {
	g, _ := newGateway(t, "", &fakeAgent{}, &countingWake{})
	if _, err := g.HeartbeatNow(context.Background(), ""); !errors.Is(err, ErrCallerUnauthorized) {
		t.Errorf("err = %v", err)
	}
}

func TestRuntimeInitializedLazilyOnce(t *testing.T) {
	g, inits := newGateway(t, "secret", &fakeAgent{text: "HEARTBEAT_OK"}, &countingWake{})
	if inits.Load() != 0 {
		t.Fatal("runtime built eagerly")
	}
	for i := 0; i < 3; i++ {
		if _, err := g.HeartbeatNow(context.Background(), "secret"); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if inits.Load() != 1 {
		t.Errorf("runtime built %d times, want 1", inits.Load())
	}
}

func TestWakeLeaseReleasedOnSuccess(t *testing.T) {
	w := &countingWake{}
	g, _ := newGateway(t, "secret", &fakeAgent{text: "Battery low"}, w)

	res, err := g.HeartbeatNow(context.Background(), "secret")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != OutcomeAlert {
		t.Errorf("outcome = %q", res.Outcome)
	}
	if w.acquired.Load() != 1 || w.released.Load() != 1 {
		t.Errorf("wake acquired=%d released=%d, want 1/1", w.acquired.Load(), w.released.Load())
	}
}

func TestWakeLeaseReleasedOnTimeout(t *testing.T) {
	w := &countingWake{}
	block := make(chan struct{})
	g, _ := newGateway(t, "secret", &fakeAgent{text: "HEARTBEAT_OK", block: block}, w)
	g.ceiling = 30 * time.Millisecond

	res, err := g.HeartbeatNow(context.Background(), "secret")
	if !errors.Is(err, ErrExecutionTimeout) {
		t.Fatalf("err = %v, want ErrExecutionTimeout", err)
	}
	if res.Outcome != OutcomeError {
		t.Errorf("outcome = %q, want error", res.Outcome)
	}
	if w.released.Load() != 1 {
		t.Errorf("wake released=%d, want 1 after abandonment", w.released.Load())
	}
	close(block) // let the abandoned execution finish
}

func TestAbandonedExecutionEventuallyClearsSingleFlight(t *testing.T) {
	block := make(chan struct{})
	agent := &fakeAgent{text: "HEARTBEAT_OK", block: block}
	g, _ := newGateway(t, "secret", agent, &countingWake{})
	g.ceiling = 20 * time.Millisecond

	if _, err := g.HeartbeatNow(context.Background(), "secret"); !errors.Is(err, ErrExecutionTimeout) {
		t.Fatalf("err = %v", err)
	}
	close(block)

	// Once the abandoned run drains, a new run must be admitted.
	deadline := time.Now().Add(2 * time.Second)
	g.ceiling = WakeCeiling
	for {
		_, err := g.HeartbeatNow(context.Background(), "secret")
		if err == nil {
			return
		}
		if !errors.Is(err, ErrBusy) {
			t.Fatalf("unexpected err: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("single-flight never cleared after abandoned run finished")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWakeFailureDoesNotBlockExecution(t *testing.T) {
	w := &countingWake{}
	w.failNext.Store(true)
	g, _ := newGateway(t, "secret", &fakeAgent{text: "HEARTBEAT_OK"}, w)

	res, err := g.HeartbeatNow(context.Background(), "secret")
	if err != nil {
		t.Fatalf("run should proceed without inhibitor: %v", err)
	}
	if res.Outcome != OutcomeOK {
		t.Errorf("outcome = %q", res.Outcome)
	}
}

func TestNotificationCooldown(t *testing.T) {
	g, _ := newGateway(t, "secret", &fakeAgent{text: "HEARTBEAT_OK"}, &countingWake{})
	g.SetCooldown(80 * time.Millisecond)

	if _, err := g.NotificationPosted(context.Background(), "secret", "first"); err != nil {
		t.Fatalf("first notification: %v", err)
	}
	if _, err := g.NotificationPosted(context.Background(), "secret", "second"); !errors.Is(err, ErrCooldown) {
		t.Fatalf("second notification err = %v, want ErrCooldown", err)
	}

	time.Sleep(100 * time.Millisecond)
	if _, err := g.NotificationPosted(context.Background(), "secret", "third"); err != nil {
		t.Errorf("notification after window: %v", err)
	}
}

func TestMessageDedup(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	agent := &fakeAgent{text: "HEARTBEAT_OK", block: block, started: started}
	g, _ := newGateway(t, "secret", agent, &countingWake{})

	firstDone := make(chan error, 1)
	go func() {
		_, err := g.MessageReceived(context.Background(), "secret", "hello")
		firstDone <- err
	}()

	// Once the agent is inside the body the first delivery holds the
	// message gate, so a concurrent duplicate must be dropped outright.
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first delivery never reached the agent")
	}
	if _, err := g.MessageReceived(context.Background(), "secret", "hello"); !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("concurrent duplicate err = %v, want ErrDuplicateMessage", err)
	}

	close(block)
	if err := <-firstDone; err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	// Gate must be free again after completion.
	if _, err := g.MessageReceived(context.Background(), "secret", "next"); err != nil {
		t.Errorf("message after completion: %v", err)
	}
}

func TestBusyWhenRunnerInFlight(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	agent := &fakeAgent{text: "HEARTBEAT_OK", block: block, started: started}
	g, _ := newGateway(t, "secret", agent, &countingWake{})

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		g.HeartbeatNow(context.Background(), "secret")
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first trigger never reached the agent")
	}
	if _, err := g.HeartbeatNowWithContext(context.Background(), "secret", "second"); !errors.Is(err, ErrBusy) {
		t.Fatalf("concurrent trigger err = %v, want ErrBusy", err)
	}

	close(block)
	<-firstDone
}
