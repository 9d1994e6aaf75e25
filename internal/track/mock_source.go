package track

import (
	"context"
	"sync"
)

// MockSource is a scriptable Source for tests. Continuous fixes and errors
// are pushed with EmitFix/EmitError; single-shot results are queued with
// QueueFix/QueueFixError and fall back to ErrTimeout when the queue runs
// dry.
type MockSource struct {
	mu            sync.Mutex
	fixes         chan Position
	errs          chan error
	permission    PermissionState
	watchErr      error
	fixQueue      []mockFixResult
	defaultFixErr error
	watchCalls    int
	requestCalls  int
}

type mockFixResult struct {
	pos Position
	err error
}

// NewMockSource returns a mock source with permission granted and no
// queued single-shot results.
func NewMockSource() *MockSource {
	return &MockSource{
		fixes:         make(chan Position, 16),
		errs:          make(chan error, 16),
		permission:    PermissionGranted,
		defaultFixErr: ErrTimeout,
	}
}

// Watch implements Source.
func (s *MockSource) Watch(ctx context.Context, opts WatchOptions) (<-chan Position, <-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchCalls++
	if s.watchErr != nil {
		return nil, nil, s.watchErr
	}
	return s.fixes, s.errs, nil
}

// RequestFix implements Source, consuming one queued result per call.
func (s *MockSource) RequestFix(ctx context.Context, opts WatchOptions) (Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestCalls++
	if len(s.fixQueue) > 0 {
		r := s.fixQueue[0]
		s.fixQueue = s.fixQueue[1:]
		return r.pos, r.err
	}
	return Position{}, s.defaultFixErr
}

// Permission implements Source.
func (s *MockSource) Permission() PermissionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permission
}

// EmitFix delivers a fix on the continuous subscription.
func (s *MockSource) EmitFix(pos Position) {
	s.fixes <- pos
}

// EmitError delivers an error on the continuous subscription.
func (s *MockSource) EmitError(err error) {
	s.errs <- err
}

// QueueFix appends a successful single-shot result.
func (s *MockSource) QueueFix(pos Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fixQueue = append(s.fixQueue, mockFixResult{pos: pos})
}

// QueueFixError appends a failing single-shot result.
func (s *MockSource) QueueFixError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fixQueue = append(s.fixQueue, mockFixResult{err: err})
}

// SetPermission changes the reported permission state.
func (s *MockSource) SetPermission(p PermissionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permission = p
}

// SetWatchError makes subsequent Watch calls fail at setup.
func (s *MockSource) SetWatchError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchErr = err
}

// WatchCalls reports how many times Watch was called.
func (s *MockSource) WatchCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watchCalls
}

// RequestCalls reports how many times RequestFix was called.
func (s *MockSource) RequestCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestCalls
}
