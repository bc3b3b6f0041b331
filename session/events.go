package session

import (
	"sync"

	"github.com/smnsjas/go-pshost/engine"
	"github.com/smnsjas/go-pshost/hostio"
)

// ExecutionStatusChange describes a per-invocation status transition raised
// through ExecutionStatusChanged handlers.
type ExecutionStatusChange struct {
	Status  ExecutionStatus
	Command string
	Err     error
}

// listeners holds the registered event handlers of a Service. Registration
// is mutex-guarded; dispatch is synchronous on the raising goroutine so
// observers see transitions in order.
type listeners struct {
	mu              sync.Mutex
	stateChanged    []func(State)
	execStatus      []func(ExecutionStatusChange)
	runspaceChanged []func(engine.RunspaceInfo)
	outputWritten   []func(hostio.Record)
	debuggerStopped []func(engine.StopDetails)
}

// OnSessionStateChanged registers a handler for service state transitions.
func (s *Service) OnSessionStateChanged(h func(State)) {
	s.listeners.mu.Lock()
	defer s.listeners.mu.Unlock()
	s.listeners.stateChanged = append(s.listeners.stateChanged, h)
}

// OnExecutionStatusChanged registers a handler for per-invocation status
// transitions.
func (s *Service) OnExecutionStatusChanged(h func(ExecutionStatusChange)) {
	s.listeners.mu.Lock()
	defer s.listeners.mu.Unlock()
	s.listeners.execStatus = append(s.listeners.execStatus, h)
}

// OnRunspaceChanged registers a handler invoked when the active runspace
// changes (a remote frame is pushed or popped).
func (s *Service) OnRunspaceChanged(h func(engine.RunspaceInfo)) {
	s.listeners.mu.Lock()
	defer s.listeners.mu.Unlock()
	s.listeners.runspaceChanged = append(s.listeners.runspaceChanged, h)
}

// OnOutputWritten registers a handler for host output records.
func (s *Service) OnOutputWritten(h func(hostio.Record)) {
	s.listeners.mu.Lock()
	defer s.listeners.mu.Unlock()
	s.listeners.outputWritten = append(s.listeners.outputWritten, h)
}

// OnDebuggerStopped registers a handler invoked when the debugger enters a
// stop. The handler runs on the engine goroutine; it must not execute
// commands directly and should hand work to ExecuteCommand instead.
func (s *Service) OnDebuggerStopped(h func(engine.StopDetails)) {
	s.listeners.mu.Lock()
	defer s.listeners.mu.Unlock()
	s.listeners.debuggerStopped = append(s.listeners.debuggerStopped, h)
}

func (s *Service) notifyStateChanged(state State) {
	s.listeners.mu.Lock()
	hs := append([]func(State){}, s.listeners.stateChanged...)
	s.listeners.mu.Unlock()
	for _, h := range hs {
		h(state)
	}
}

func (s *Service) notifyExecStatus(change ExecutionStatusChange) {
	s.listeners.mu.Lock()
	hs := append([]func(ExecutionStatusChange){}, s.listeners.execStatus...)
	s.listeners.mu.Unlock()
	for _, h := range hs {
		h(change)
	}
}

func (s *Service) notifyRunspaceChanged(info engine.RunspaceInfo) {
	s.listeners.mu.Lock()
	hs := append([]func(engine.RunspaceInfo){}, s.listeners.runspaceChanged...)
	s.listeners.mu.Unlock()
	for _, h := range hs {
		h(info)
	}
}

func (s *Service) notifyOutputWritten(rec hostio.Record) {
	s.listeners.mu.Lock()
	hs := append([]func(hostio.Record){}, s.listeners.outputWritten...)
	s.listeners.mu.Unlock()
	for _, h := range hs {
		h(rec)
	}
}

func (s *Service) notifyDebuggerStopped(details engine.StopDetails) {
	s.listeners.mu.Lock()
	hs := append([]func(engine.StopDetails){}, s.listeners.debuggerStopped...)
	s.listeners.mu.Unlock()
	for _, h := range hs {
		h(details)
	}
}
