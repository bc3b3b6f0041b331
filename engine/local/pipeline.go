package local

import (
	"context"
	"errors"
	"sync"

	"github.com/smnsjas/go-pshost/engine"
)

// Pipeline invokes commands against its runspace. Regular pipelines marshal
// every invocation onto the engine goroutine; direct (nested) pipelines run
// inline on the calling goroutine.
type Pipeline struct {
	rs     *Runspace
	direct bool

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// Invoke runs the command, blocking until completion, stop, or context
// cancellation. A stopped invocation returns engine.ErrPipelineStopped.
func (p *Pipeline) Invoke(ctx context.Context, cmd *engine.Command) ([]interface{}, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, engine.ErrRunspaceClosed
	}
	ictx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.cancel = nil
		p.mu.Unlock()
		cancel()
	}()

	if p.direct || p.rs.onEngineThread() {
		out, err := p.rs.execute(ictx, cmd)
		return p.mapResult(ctx, ictx, out, err)
	}

	type result struct {
		out []interface{}
		err error
	}
	resCh := make(chan result, 1)
	work := func() {
		out, err := p.rs.execute(ictx, cmd)
		resCh <- result{out: out, err: err}
	}

	select {
	case p.rs.workCh <- work:
	case <-p.rs.done:
		return nil, engine.ErrRunspaceClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Once submitted, wait for the engine to finish even if ictx is
	// cancelled; returning early would let a second invocation overlap the
	// engine goroutine.
	select {
	case r := <-resCh:
		return p.mapResult(ctx, ictx, r.out, r.err)
	case <-p.rs.done:
		return nil, engine.ErrRunspaceClosed
	}
}

// mapResult converts an invocation cancelled via Stop (rather than by the
// caller's own context) into engine.ErrPipelineStopped.
func (p *Pipeline) mapResult(ctx, ictx context.Context, out []interface{}, err error) ([]interface{}, error) {
	if err != nil && errors.Is(err, context.Canceled) && ictx.Err() != nil && ctx.Err() == nil {
		return nil, engine.ErrPipelineStopped
	}
	return out, err
}

// Stop abandons the in-flight invocation, if any.
func (p *Pipeline) Stop(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}

// Close releases the pipeline. A running invocation is stopped.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}
