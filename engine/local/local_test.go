package local

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petermattis/goid"
	"github.com/smnsjas/go-pshost/engine"
)

func newTestRunspace(t *testing.T, opts ...Option) *Runspace {
	t.Helper()
	rs := New(opts...)
	t.Cleanup(func() { rs.Close() })
	return rs
}

func TestInvokeMarshalsToEngineGoroutine(t *testing.T) {
	rs := newTestRunspace(t)

	var gid atomic.Int64
	rs.Register("whereami", func(_ context.Context, _ *Runspace, _ []engine.Argument) ([]interface{}, error) {
		gid.Store(goid.Get())
		return []interface{}{"here"}, nil
	})

	p, err := rs.CreatePipeline()
	if err != nil {
		t.Fatalf("create pipeline: %v", err)
	}
	defer p.Close()

	results, err := p.Invoke(context.Background(), engine.NewScript("whereami"))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(results) != 1 || results[0] != "here" {
		t.Errorf("expected [here], got %v", results)
	}
	if gid.Load() == goid.Get() {
		t.Error("expected the command to run on the engine goroutine, not the caller")
	}
	if gid.Load() != rs.threadID.Load() {
		t.Error("expected the command on the runspace's pinned goroutine")
	}
}

func TestNestedPipelineRunsInline(t *testing.T) {
	rs := newTestRunspace(t)

	var gid atomic.Int64
	rs.Register("whereami", func(_ context.Context, _ *Runspace, _ []engine.Argument) ([]interface{}, error) {
		gid.Store(goid.Get())
		return nil, nil
	})

	p, err := rs.CreateNestedPipeline()
	if err != nil {
		t.Fatalf("create nested pipeline: %v", err)
	}
	defer p.Close()

	if _, err := p.Invoke(context.Background(), engine.NewScript("whereami")); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if gid.Load() != goid.Get() {
		t.Error("expected a nested pipeline to run on the calling goroutine")
	}
}

func TestVariables(t *testing.T) {
	rs := newTestRunspace(t)
	p, err := rs.CreatePipeline()
	if err != nil {
		t.Fatalf("create pipeline: %v", err)
	}
	defer p.Close()

	if _, err := p.Invoke(context.Background(), engine.NewScript("set answer 42")); err != nil {
		t.Fatalf("set: %v", err)
	}
	results, err := p.Invoke(context.Background(), engine.NewScript("get answer"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(results) != 1 || results[0] != "42" {
		t.Errorf("expected [42], got %v", results)
	}
}

func TestCommandNotFound(t *testing.T) {
	rs := newTestRunspace(t)
	p, err := rs.CreatePipeline()
	if err != nil {
		t.Fatalf("create pipeline: %v", err)
	}
	defer p.Close()

	if _, err := p.Invoke(context.Background(), engine.NewScript("nonsense")); !errors.Is(err, ErrCommandNotFound) {
		t.Errorf("expected ErrCommandNotFound, got %v", err)
	}
}

func TestPipelineStop(t *testing.T) {
	rs := newTestRunspace(t)
	p, err := rs.CreatePipeline()
	if err != nil {
		t.Fatalf("create pipeline: %v", err)
	}
	defer p.Close()

	done := make(chan error, 1)
	go func() {
		_, err := p.Invoke(context.Background(), engine.NewScript("sleep 10000"))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, engine.ErrPipelineStopped) {
			t.Errorf("expected ErrPipelineStopped, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("stopped invocation never returned")
	}
}

func TestInvokeCallerCancel(t *testing.T) {
	rs := newTestRunspace(t)
	p, err := rs.CreatePipeline()
	if err != nil {
		t.Fatalf("create pipeline: %v", err)
	}
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Invoke(ctx, engine.NewScript("sleep 10000"))
	if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		t.Errorf("expected a context error for caller cancellation, got %v", err)
	}
	if errors.Is(err, engine.ErrPipelineStopped) {
		t.Error("caller cancellation must not be reported as a pipeline stop")
	}
}

func TestIdleSubscription(t *testing.T) {
	rs := newTestRunspace(t)

	fired := make(chan int64, 1)
	sub, err := rs.SubscribeIdle(func() {
		select {
		case fired <- goid.Get():
		default:
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if !sub.Active() {
		t.Error("expected a fresh subscription to be active")
	}

	rs.ProcessEvents()
	select {
	case gid := <-fired:
		if gid != rs.threadID.Load() {
			t.Error("expected the idle handler on the engine goroutine")
		}
	case <-time.After(time.Second):
		t.Fatal("idle handler never fired")
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("close subscription: %v", err)
	}
	if sub.Active() {
		t.Error("expected a closed subscription to be inactive")
	}
}

func TestDropIdleSubscriptions(t *testing.T) {
	rs := newTestRunspace(t)
	sub, err := rs.SubscribeIdle(func() {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	rs.DropIdleSubscriptions()
	if sub.Active() {
		t.Error("expected subscription to be dropped")
	}
}

func TestRunspaceClose(t *testing.T) {
	rs := New()
	p, err := rs.CreatePipeline()
	if err != nil {
		t.Fatalf("create pipeline: %v", err)
	}
	if err := rs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := rs.CreatePipeline(); !errors.Is(err, engine.ErrRunspaceClosed) {
		t.Errorf("expected ErrRunspaceClosed, got %v", err)
	}
	if _, err := rs.SubscribeIdle(func() {}); !errors.Is(err, engine.ErrRunspaceClosed) {
		t.Errorf("expected ErrRunspaceClosed, got %v", err)
	}
	if _, err := p.Invoke(context.Background(), engine.NewScript("echo x")); !errors.Is(err, engine.ErrRunspaceClosed) {
		t.Errorf("expected ErrRunspaceClosed, got %v", err)
	}

	// Close again must be a no-op.
	if err := rs.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestWithRemote(t *testing.T) {
	rs := newTestRunspace(t, WithRemote())
	if !rs.IsRemote() {
		t.Error("expected runspace to report remote")
	}
}

func TestDebuggerBreak(t *testing.T) {
	rs := newTestRunspace(t)
	dbg := rs.Debugger()

	handled := make(chan string, 1)
	dbg.OnStop(func(_ engine.StopDetails) engine.ResumeAction {
		if !dbg.IsStopped() {
			t.Error("expected IsStopped inside the stop handler")
		}
		out, err := dbg.ExecuteCommand(context.Background(), engine.NewScript("echo probed"))
		if err != nil {
			t.Errorf("execute in stop: %v", err)
		} else if len(out) == 1 {
			handled <- out[0].(string)
		}
		return engine.ResumeContinue
	})

	p, err := rs.CreatePipeline()
	if err != nil {
		t.Fatalf("create pipeline: %v", err)
	}
	defer p.Close()

	if _, err := p.Invoke(context.Background(), engine.NewScript("break bp")); err != nil {
		t.Fatalf("break with continue: %v", err)
	}
	select {
	case got := <-handled:
		if got != "probed" {
			t.Errorf("expected probed, got %q", got)
		}
	default:
		t.Error("stop handler never evaluated its command")
	}
	if dbg.IsStopped() {
		t.Error("expected the stop to have ended")
	}
}

func TestDebuggerBreakResumeStop(t *testing.T) {
	rs := newTestRunspace(t)
	rs.Debugger().OnStop(func(engine.StopDetails) engine.ResumeAction {
		return engine.ResumeStop
	})

	p, err := rs.CreatePipeline()
	if err != nil {
		t.Fatalf("create pipeline: %v", err)
	}
	defer p.Close()

	if _, err := p.Invoke(context.Background(), engine.NewScript("break bp")); !errors.Is(err, engine.ErrPipelineStopped) {
		t.Errorf("expected ErrPipelineStopped, got %v", err)
	}
}

func TestDebuggerExecuteOutsideStop(t *testing.T) {
	rs := newTestRunspace(t)
	if _, err := rs.Debugger().ExecuteCommand(context.Background(), engine.NewScript("echo x")); err == nil {
		t.Error("expected debugger execution outside a stop to fail")
	}
}

func TestParseScript(t *testing.T) {
	name, args := parseScript("echo  a   b")
	if name != "echo" || len(args) != 2 || args[0].Value != "a" || args[1].Value != "b" {
		t.Errorf("unexpected parse: %q %v", name, args)
	}
	name, args = parseScript("   ")
	if name != "" || args != nil {
		t.Errorf("expected empty parse, got %q %v", name, args)
	}
}
