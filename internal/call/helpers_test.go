package call

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/PostOpCall/internal/alerting"
	"github.com/BTreeMap/PostOpCall/internal/flow"
	"github.com/BTreeMap/PostOpCall/internal/models"
	"github.com/BTreeMap/PostOpCall/internal/store"
)

type fakeRouter struct {
	mu     sync.Mutex
	alerts []models.Alert
}

func (r *fakeRouter) Route(ctx context.Context, a models.Alert) (alerting.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return alerting.Result{}, nil
}

func (r *fakeRouter) routed() []models.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Alert(nil), r.alerts...)
}

// gatedGenerator blocks every call until gate is closed.
type gatedGenerator struct {
	gate  chan struct{}
	calls atomic.Int32
	reply models.TurnReply
}

func newGatedGenerator(open bool) *gatedGenerator {
	g := &gatedGenerator{
		gate:  make(chan struct{}),
		reply: models.TurnReply{Utterance: "How is your wound healing?", Hint: models.HintContinue},
	}
	if open {
		close(g.gate)
	}
	return g
}

func (g *gatedGenerator) GenerateTurn(ctx context.Context, tc models.TurnContext) (models.TurnReply, error) {
	g.calls.Add(1)
	select {
	case <-g.gate:
		return g.reply, nil
	case <-ctx.Done():
		return models.TurnReply{}, ctx.Err()
	}
}

// orderedGenerator blocks its nth call until gates[n] is closed, so tests can pick the
// order in which overlapping turns finish.
type orderedGenerator struct {
	gates []chan struct{}
	calls atomic.Int32
}

func newOrderedGenerator(n int) *orderedGenerator {
	g := &orderedGenerator{gates: make([]chan struct{}, n)}
	for i := range g.gates {
		g.gates[i] = make(chan struct{})
	}
	return g
}

func (g *orderedGenerator) GenerateTurn(ctx context.Context, tc models.TurnContext) (models.TurnReply, error) {
	n := int(g.calls.Add(1)) - 1
	select {
	case <-g.gates[n]:
		return models.TurnReply{Utterance: "Thanks, anything else?", Hint: models.HintContinue}, nil
	case <-ctx.Done():
		return models.TurnReply{}, ctx.Err()
	}
}

func (g *orderedGenerator) waitCalls(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for int(g.calls.Load()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("generator reached %d calls, want %d", g.calls.Load(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	orch   *Orchestrator
	store  *store.InMemoryStore
	router *fakeRouter
	clock  *clock
}

func newTestEnv(t *testing.T, gen flow.Generator, engineOpts []flow.Option, opts ...Option) *testEnv {
	t.Helper()
	st := store.NewInMemoryStore()
	router := &fakeRouter{}
	clk := newClock()
	engineOpts = append([]flow.Option{flow.WithTimeout(5 * time.Second)}, engineOpts...)
	orch := NewOrchestrator(Deps{
		Engine: flow.NewEngine(gen, engineOpts...),
		Router: router,
		Store:  st,
		Now:    clk.Now,
	}, opts...)
	return &testEnv{orch: orch, store: st, router: router, clock: clk}
}

// answer registers a session and drives it to in_progress, returning the greeting.
func (e *testEnv) answer(t *testing.T, id string) models.DialogueInstruction {
	t.Helper()
	if _, err := e.orch.Register(Init{SessionID: id, PatientID: "pt_1", CallType: models.CallTypeFollowup, PatientName: "Dana", SurgeryType: "knee surgery"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	for _, ev := range []Event{Initiated{ProviderCallID: "CA1"}, Ringing{}} {
		if _, err := e.dispatch(id, ev); err != nil {
			t.Fatalf("dispatch %s: %v", EventName(ev), err)
		}
	}
	res, err := e.dispatch(id, Answered{})
	if err != nil {
		t.Fatalf("dispatch answered: %v", err)
	}
	if res.Instruction == nil {
		t.Fatal("answer should produce a greeting")
	}
	return *res.Instruction
}

func (e *testEnv) dispatch(id string, ev Event) (Result, error) {
	return e.orch.Dispatch(context.Background(), Envelope{SessionID: id, Event: ev})
}

func (e *testEnv) end(t *testing.T, id string) {
	t.Helper()
	res, err := e.dispatch(id, CallEnded{Reason: EndCompleted})
	if err != nil {
		t.Fatalf("dispatch call ended: %v", err)
	}
	if !res.Terminal {
		t.Fatal("call ended should be terminal")
	}
	e.waitFlushed(t)
}

func (e *testEnv) waitFlushed(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.orch.Wait(ctx); err != nil {
		t.Fatalf("flush did not finish: %v", err)
	}
}
