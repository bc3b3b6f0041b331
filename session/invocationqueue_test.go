package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smnsjas/go-pshost/engine"
	"github.com/smnsjas/go-pshost/engine/local"
)

func TestExecuteCommandOnIdle(t *testing.T) {
	rs := newMockRunspace()
	q, err := NewInvocationEventQueue(rs, nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	defer q.Dispose()

	cmd := engine.NewScript("echo idle")
	results, err := q.ExecuteCommandOnIdle(context.Background(), cmd, ExecutionOptions{})
	if err != nil {
		t.Fatalf("execute on idle: %v", err)
	}
	if len(results) != 1 || results[0] != cmd.String() {
		t.Errorf("expected command echo, got %v", results)
	}

	if rs.nestedCount() != 1 {
		t.Errorf("expected one nested pipeline, got %d", rs.nestedCount())
	}
	rs.mu.Lock()
	nestedClosed := rs.nested[0].closed
	rs.mu.Unlock()
	if !nestedClosed {
		t.Error("expected the nested pipeline to be closed after the invocation")
	}

	q.mu.Lock()
	pending := q.pending
	q.mu.Unlock()
	if pending != nil {
		t.Error("expected the pending slot to be cleared")
	}
}

func TestExecuteCommandOnIdleSerialized(t *testing.T) {
	rs := local.New()
	defer rs.Close()
	q, err := NewInvocationEventQueue(rs, nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	defer q.Dispose()

	started := make(chan struct{})
	release := make(chan struct{})
	rs.Register("wait", func(ctx context.Context, _ *local.Runspace, _ []engine.Argument) ([]interface{}, error) {
		started <- struct{}{}
		select {
		case <-release:
			return []interface{}{"first"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	type outcome struct {
		results []interface{}
		err     error
	}
	first := make(chan outcome, 1)
	second := make(chan outcome, 1)

	go func() {
		r, err := q.ExecuteCommandOnIdle(context.Background(), engine.NewScript("wait"), ExecutionOptions{})
		first <- outcome{r, err}
	}()
	<-started

	go func() {
		r, err := q.ExecuteCommandOnIdle(context.Background(), engine.NewScript("echo second"), ExecutionOptions{})
		second <- outcome{r, err}
	}()

	// The second command must not run while the first owns the slot.
	select {
	case o := <-second:
		t.Fatalf("second command completed while first was running: %v, %v", o.results, o.err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	o := <-first
	if o.err != nil {
		t.Fatalf("first command: %v", o.err)
	}
	if len(o.results) != 1 || o.results[0] != "first" {
		t.Errorf("expected [first], got %v", o.results)
	}

	select {
	case o := <-second:
		if o.err != nil {
			t.Fatalf("second command: %v", o.err)
		}
		if len(o.results) != 1 || o.results[0] != "second" {
			t.Errorf("expected [second], got %v", o.results)
		}
	case <-time.After(time.Second):
		t.Fatal("second command never ran after first completed")
	}
}

func TestExecuteCommandOnIdleWithdrawsOnCancel(t *testing.T) {
	rs := newMockRunspace()
	rs.setDeferIdle(true)
	q, err := NewInvocationEventQueue(rs, nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	defer q.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = q.ExecuteCommandOnIdle(ctx, engine.NewScript("echo never"), ExecutionOptions{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}

	// The withdrawn request must not block the slot for later callers.
	rs.setDeferIdle(false)
	results, err := q.ExecuteCommandOnIdle(context.Background(), engine.NewScript("echo later"), ExecutionOptions{})
	if err != nil {
		t.Fatalf("execute after withdraw: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected one result, got %v", results)
	}
}

func TestStopActiveInvocation(t *testing.T) {
	rs := local.New()
	defer rs.Close()
	q, err := NewInvocationEventQueue(rs, nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	defer q.Dispose()

	started := make(chan struct{})
	rs.Register("hang", func(ctx context.Context, _ *local.Runspace, _ []engine.Argument) ([]interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	done := make(chan error, 1)
	go func() {
		_, err := q.ExecuteCommandOnIdle(context.Background(), engine.NewScript("hang"), ExecutionOptions{})
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("idle invocation never started")
	}

	if err := q.StopActiveInvocation(context.Background()); err != nil {
		t.Fatalf("stop active invocation: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, engine.ErrPipelineStopped) {
			t.Errorf("expected ErrPipelineStopped, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("stopped invocation never returned")
	}

	// The slot must be free for later callers.
	results, err := q.ExecuteCommandOnIdle(context.Background(), engine.NewScript("echo after"), ExecutionOptions{})
	if err != nil {
		t.Fatalf("execute after stop: %v", err)
	}
	if len(results) != 1 || results[0] != "after" {
		t.Errorf("expected [after], got %v", results)
	}
}

func TestStopActiveInvocationBeforeStart(t *testing.T) {
	rs := newMockRunspace()
	rs.setDeferIdle(true)
	q, err := NewInvocationEventQueue(rs, nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	defer q.Dispose()

	done := make(chan error, 1)
	go func() {
		_, err := q.ExecuteCommandOnIdle(context.Background(), engine.NewScript("echo never"), ExecutionOptions{})
		done <- err
	}()

	deadline := time.Now().Add(time.Second)
	for {
		q.mu.Lock()
		claimed := q.pending != nil
		q.mu.Unlock()
		if claimed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("request never claimed the pending slot")
		}
		time.Sleep(time.Millisecond)
	}

	if err := q.StopActiveInvocation(context.Background()); err != nil {
		t.Fatalf("stop pending invocation: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, engine.ErrPipelineStopped) {
			t.Errorf("expected ErrPipelineStopped, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("stopped request never returned")
	}

	// The aborted request must not run when the idle hook finally fires.
	rs.setDeferIdle(false)
	rs.ProcessEvents()
	if rs.nestedCount() != 0 {
		t.Errorf("expected no nested pipeline for the aborted request, got %d", rs.nestedCount())
	}
}

func TestInvocationQueueDispose(t *testing.T) {
	rs := newMockRunspace()
	rs.setDeferIdle(true)
	q, err := NewInvocationEventQueue(rs, nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := q.ExecuteCommandOnIdle(context.Background(), engine.NewScript("echo stuck"), ExecutionOptions{})
		done <- err
	}()

	// Wait for the request to claim the slot.
	deadline := time.Now().Add(time.Second)
	for {
		q.mu.Lock()
		claimed := q.pending != nil
		q.mu.Unlock()
		if claimed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("request never claimed the pending slot")
		}
		time.Sleep(time.Millisecond)
	}

	q.Dispose()
	select {
	case err := <-done:
		if !errors.Is(err, ErrNestDisposed) {
			t.Errorf("expected ErrNestDisposed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending request was not failed by Dispose")
	}

	if _, err := q.ExecuteCommandOnIdle(context.Background(), engine.NewScript("echo late"), ExecutionOptions{}); !errors.Is(err, ErrNestDisposed) {
		t.Errorf("expected ErrNestDisposed after dispose, got %v", err)
	}

	// Dispose again must be a no-op.
	q.Dispose()
}

func TestInvocationQueueResubscribes(t *testing.T) {
	rs := local.New()
	defer rs.Close()
	q, err := NewInvocationEventQueue(rs, nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	defer q.Dispose()

	// Simulate the engine-internal reset that drops idle subscriptions.
	rs.DropIdleSubscriptions()

	results, err := q.ExecuteCommandOnIdle(context.Background(), engine.NewScript("echo back"), ExecutionOptions{})
	if err != nil {
		t.Fatalf("execute after subscription drop: %v", err)
	}
	if len(results) != 1 || results[0] != "back" {
		t.Errorf("expected [back], got %v", results)
	}
}

func TestInvokeOnPipelineThread(t *testing.T) {
	rs := local.New()
	defer rs.Close()
	q, err := NewInvocationEventQueue(rs, nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	defer q.Dispose()

	var got []interface{}
	err = q.InvokeOnPipelineThread(context.Background(), func(p engine.Pipeline) error {
		out, err := p.Invoke(context.Background(), engine.NewScript("echo marshaled"))
		got = out
		return err
	})
	if err != nil {
		t.Fatalf("invoke on pipeline thread: %v", err)
	}
	if len(got) != 1 || got[0] != "marshaled" {
		t.Errorf("expected [marshaled], got %v", got)
	}
}
