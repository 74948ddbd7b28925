package inmemory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lumino-labs/lumino-client/pkg/jobs/store"
)

// Store keeps handles in memory. Used in tests.
type Store struct {
	mu      sync.RWMutex
	handles map[uint64]store.JobHandle
	history map[uint64][]store.HandleHistory
}

func NewStore() *Store {
	return &Store{
		handles: make(map[uint64]store.JobHandle),
		history: make(map[uint64][]store.HandleHistory),
	}
}

func (s *Store) GetHandle(ctx context.Context, jobID uint64) (store.JobHandle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	handle, ok := s.handles[jobID]
	if !ok {
		return store.JobHandle{}, store.NewErrHandleNotFound(jobID)
	}
	return handle, nil
}

func (s *Store) GetLiveHandles(ctx context.Context) ([]store.JobHandle, error) {
	return s.GetHandlesByState(ctx, store.HandleStateAssigned, store.HandleStateRunning)
}

func (s *Store) GetHandlesByState(ctx context.Context, states ...store.HandleState) ([]store.JobHandle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	handles := make([]store.JobHandle, 0)
	for _, handle := range s.handles {
		for _, state := range states {
			if handle.State == state {
				handles = append(handles, handle)
				break
			}
		}
	}
	sort.Slice(handles, func(i, j int) bool {
		return handles[i].UpdateTime.Before(handles[j].UpdateTime)
	})
	return handles, nil
}

func (s *Store) GetHistory(ctx context.Context, jobID uint64) ([]store.HandleHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history, ok := s.history[jobID]
	if !ok {
		return nil, store.NewErrHandleNotFound(jobID)
	}
	out := make([]store.HandleHistory, len(history))
	copy(out, history)
	return out, nil
}

func (s *Store) CreateHandle(ctx context.Context, handle store.JobHandle) error {
	if err := store.ValidateNewHandle(handle); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handles[handle.JobID]; ok {
		return store.NewErrHandleAlreadyExists(handle.JobID)
	}
	s.handles[handle.JobID] = handle
	s.history[handle.JobID] = append(s.history[handle.JobID], store.HandleHistory{
		JobID:       handle.JobID,
		NewState:    handle.State,
		NewRevision: handle.Revision,
		Time:        handle.UpdateTime,
	})
	return nil
}

func (s *Store) UpdateHandle(ctx context.Context, request store.UpdateRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle, ok := s.handles[request.JobID]
	if !ok {
		return store.NewErrHandleNotFound(request.JobID)
	}
	if err := request.Validate(handle); err != nil {
		return err
	}

	previousState := handle.State
	handle.State = request.NewState
	handle.Revision++
	handle.UpdateTime = time.Now().UTC()
	if request.ResultRef != "" {
		handle.ResultRef = request.ResultRef
	}
	if request.FailureReason != "" {
		handle.FailureReason = request.FailureReason
	}
	if request.TokenCountReported != nil {
		handle.TokenCountReported = *request.TokenCountReported
	}
	if request.FailureReported != nil {
		handle.FailureReported = *request.FailureReported
	}
	s.handles[request.JobID] = handle
	s.history[request.JobID] = append(s.history[request.JobID], store.HandleHistory{
		JobID:         request.JobID,
		PreviousState: previousState,
		NewState:      handle.State,
		NewRevision:   handle.Revision,
		Comment:       request.Comment,
		Time:          handle.UpdateTime,
	})
	return nil
}

func (s *Store) DeleteHandle(ctx context.Context, jobID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handles[jobID]; !ok {
		return store.NewErrHandleNotFound(jobID)
	}
	delete(s.handles, jobID)
	delete(s.history, jobID)
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return nil
}

// compile-time check that we implement the interface HandleStore
var _ store.HandleStore = (*Store)(nil)
