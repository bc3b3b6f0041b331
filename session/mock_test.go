package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/smnsjas/go-pshost/engine"
)

// mockPipeline is a pipeline for testing that records invocations.
type mockPipeline struct {
	mu          sync.Mutex
	invocations int
	stopped     bool
	closed      bool

	// invoke overrides the default behavior of echoing the command string.
	invoke func(ctx context.Context, cmd *engine.Command) ([]interface{}, error)
}

func (p *mockPipeline) Invoke(ctx context.Context, cmd *engine.Command) ([]interface{}, error) {
	p.mu.Lock()
	p.invocations++
	invoke := p.invoke
	p.mu.Unlock()

	if invoke != nil {
		return invoke(ctx, cmd)
	}
	return []interface{}{cmd.String()}, nil
}

func (p *mockPipeline) Stop(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	return nil
}

func (p *mockPipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *mockPipeline) invocationCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.invocations
}

// mockRunspace is an engine runspace for testing. Pipelines are recorded in
// creation order; ProcessEvents runs idle handlers synchronously on the
// calling goroutine unless deferIdle is set.
type mockRunspace struct {
	id     uuid.UUID
	remote bool

	mu        sync.Mutex
	pipelines []*mockPipeline
	nested    []*mockPipeline
	subs      map[int]func()
	nextSub   int
	closed    bool
	deferIdle bool

	debugger engine.Debugger
}

func newMockRunspace() *mockRunspace {
	return &mockRunspace{
		id:   uuid.New(),
		subs: make(map[int]func()),
	}
}

func (rs *mockRunspace) ID() uuid.UUID  { return rs.id }
func (rs *mockRunspace) IsRemote() bool { return rs.remote }

func (rs *mockRunspace) Debugger() engine.Debugger { return rs.debugger }

func (rs *mockRunspace) CreatePipeline() (engine.Pipeline, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.closed {
		return nil, engine.ErrRunspaceClosed
	}
	p := &mockPipeline{}
	rs.pipelines = append(rs.pipelines, p)
	return p, nil
}

func (rs *mockRunspace) CreateNestedPipeline() (engine.Pipeline, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.closed {
		return nil, engine.ErrRunspaceClosed
	}
	p := &mockPipeline{}
	rs.nested = append(rs.nested, p)
	return p, nil
}

func (rs *mockRunspace) SubscribeIdle(handler func()) (engine.IdleSubscription, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.closed {
		return nil, engine.ErrRunspaceClosed
	}
	id := rs.nextSub
	rs.nextSub++
	rs.subs[id] = handler
	return &mockIdleSub{rs: rs, id: id}, nil
}

func (rs *mockRunspace) ProcessEvents() {
	rs.mu.Lock()
	if rs.deferIdle {
		rs.mu.Unlock()
		return
	}
	handlers := make([]func(), 0, len(rs.subs))
	for _, h := range rs.subs {
		handlers = append(handlers, h)
	}
	rs.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

func (rs *mockRunspace) Close() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.closed = true
	return nil
}

func (rs *mockRunspace) setDeferIdle(v bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.deferIdle = v
}

func (rs *mockRunspace) pipeline(i int) *mockPipeline {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.pipelines[i]
}

func (rs *mockRunspace) nestedCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.nested)
}

type mockIdleSub struct {
	rs *mockRunspace
	id int
}

func (s *mockIdleSub) Active() bool {
	s.rs.mu.Lock()
	defer s.rs.mu.Unlock()
	_, ok := s.rs.subs[s.id]
	return ok
}

func (s *mockIdleSub) Close() error {
	s.rs.mu.Lock()
	defer s.rs.mu.Unlock()
	delete(s.rs.subs, s.id)
	return nil
}

// invokerFunc adapts a function to the Invoker interface.
type invokerFunc func(ctx context.Context, cmd *engine.Command) ([]interface{}, error)

func (f invokerFunc) Invoke(ctx context.Context, cmd *engine.Command) ([]interface{}, error) {
	return f(ctx, cmd)
}
