package boltdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"

	"github.com/lumino-labs/lumino-client/pkg/jobs/store"
)

const (
	handlesBucket           = "handles"
	handleHistoryBucket     = "handle_history"
	idxHandlesByStateBucket = "idx_handles_by_state"

	databaseOpenTimeout = 5 * time.Second
	newHandleMessage    = "handle created"
)

// Store is a job-handle store backed by a boltdb database on disk.
//
// The schema (<key> -> {json-value}; undecorated values are buckets):
//
// handles
//
//	|--> <job-id> -> {store.JobHandle}
//
// handle_history
//
//	|--> <job-id>
//	          |--> <seqnum> -> {store.HandleHistory}
//
// idx_handles_by_state
//
//	|--> <state>
//	          |--> <job-id> -> nil
type Store struct {
	database *bolt.DB
}

// NewStore creates a new store at the file location provided by the
// caller, creating the primary buckets up front. Bucket references are not
// retained: they are only valid within the transaction that obtained them.
func NewStore(ctx context.Context, dbPath string) (*Store, error) {
	log.Ctx(ctx).Debug().Msgf("creating job handle store at %s", dbPath)

	database, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: databaseOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening handle store %s: %w", dbPath, err)
	}

	err = database.Update(func(tx *bolt.Tx) error {
		for _, b := range []string{handlesBucket, handleHistoryBucket, idxHandlesByStateBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return fmt.Errorf("error creating bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error creating database structure: %w", err)
	}

	return &Store{database: database}, nil
}

func jobKey(jobID uint64) []byte {
	return []byte(strconv.FormatUint(jobID, 10))
}

func uint64ToBytes(n uint64) []byte {
	b := make([]byte, 8) //nolint:gomnd
	binary.BigEndian.PutUint64(b, n)
	return b
}

func bucket(tx *bolt.Tx, names ...string) *bolt.Bucket {
	b := tx.Bucket([]byte(names[0]))
	for _, name := range names[1:] {
		if b == nil {
			return nil
		}
		b = b.Bucket([]byte(name))
	}
	return b
}

func (s *Store) GetHandle(ctx context.Context, jobID uint64) (store.JobHandle, error) {
	var handle store.JobHandle
	err := s.database.View(func(tx *bolt.Tx) error {
		var err error
		handle, err = s.getHandleInTx(tx, jobID)
		return err
	})
	return handle, err
}

func (s *Store) getHandleInTx(tx *bolt.Tx, jobID uint64) (store.JobHandle, error) {
	var handle store.JobHandle

	data := bucket(tx, handlesBucket).Get(jobKey(jobID))
	if data == nil {
		return handle, store.NewErrHandleNotFound(jobID)
	}
	if err := json.Unmarshal(data, &handle); err != nil {
		return handle, fmt.Errorf("failed to unmarshal handle: %w", err)
	}
	return handle, nil
}

func (s *Store) GetLiveHandles(ctx context.Context) ([]store.JobHandle, error) {
	return s.GetHandlesByState(ctx, store.HandleStateAssigned, store.HandleStateRunning)
}

func (s *Store) GetHandlesByState(ctx context.Context, states ...store.HandleState) ([]store.JobHandle, error) {
	handles := make([]store.JobHandle, 0)

	err := s.database.View(func(tx *bolt.Tx) error {
		for _, state := range states {
			stateBucket := bucket(tx, idxHandlesByStateBucket, state.String())
			if stateBucket == nil {
				continue
			}
			err := stateBucket.ForEach(func(k, _ []byte) error {
				jobID, err := strconv.ParseUint(string(k), 10, 64)
				if err != nil {
					return err
				}
				handle, err := s.getHandleInTx(tx, jobID)
				if err != nil {
					return err
				}
				handles = append(handles, handle)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(handles, func(i, j int) bool {
		return handles[i].UpdateTime.Before(handles[j].UpdateTime)
	})
	return handles, nil
}

func (s *Store) GetHistory(ctx context.Context, jobID uint64) ([]store.HandleHistory, error) {
	history := make([]store.HandleHistory, 0)

	err := s.database.View(func(tx *bolt.Tx) error {
		historyBucket := bucket(tx, handleHistoryBucket, string(jobKey(jobID)))
		if historyBucket == nil {
			return store.NewErrHandleNotFound(jobID)
		}
		// History entries are written with the bucket sequence, so
		// iteration order is write order.
		return historyBucket.ForEach(func(k, v []byte) error {
			var item store.HandleHistory
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			history = append(history, item)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return history, nil
}

func (s *Store) CreateHandle(ctx context.Context, handle store.JobHandle) error {
	if err := store.ValidateNewHandle(handle); err != nil {
		return fmt.Errorf("CreateHandle failure: %w", err)
	}

	return s.database.Update(func(tx *bolt.Tx) error {
		_, err := s.getHandleInTx(tx, handle.JobID)
		if err == nil {
			return store.NewErrHandleAlreadyExists(handle.JobID)
		} else if !errors.As(err, &store.ErrHandleNotFound{}) {
			return err
		}

		data, err := json.Marshal(handle)
		if err != nil {
			return err
		}
		if err := bucket(tx, handlesBucket).Put(jobKey(handle.JobID), data); err != nil {
			return err
		}

		stateBucket, err := bucket(tx, idxHandlesByStateBucket).CreateBucketIfNotExists([]byte(handle.State.String()))
		if err != nil {
			return err
		}
		if err := stateBucket.Put(jobKey(handle.JobID), nil); err != nil {
			return err
		}

		return s.appendHistory(tx, handle, store.HandleStateUndefined, newHandleMessage)
	})
}

func (s *Store) UpdateHandle(ctx context.Context, request store.UpdateRequest) error {
	return s.database.Update(func(tx *bolt.Tx) error {
		handle, err := s.getHandleInTx(tx, request.JobID)
		if err != nil {
			return err
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

		data, err := json.Marshal(handle)
		if err != nil {
			return err
		}
		if err := bucket(tx, handlesBucket).Put(jobKey(handle.JobID), data); err != nil {
			return err
		}

		if err := bucket(tx, idxHandlesByStateBucket, previousState.String()).Delete(jobKey(handle.JobID)); err != nil {
			return err
		}
		stateBucket, err := bucket(tx, idxHandlesByStateBucket).CreateBucketIfNotExists([]byte(handle.State.String()))
		if err != nil {
			return err
		}
		if err := stateBucket.Put(jobKey(handle.JobID), nil); err != nil {
			return err
		}

		return s.appendHistory(tx, handle, previousState, request.Comment)
	})
}

func (s *Store) appendHistory(tx *bolt.Tx, handle store.JobHandle, previousState store.HandleState, comment string) error {
	entry := store.HandleHistory{
		JobID:         handle.JobID,
		PreviousState: previousState,
		NewState:      handle.State,
		NewRevision:   handle.Revision,
		Comment:       comment,
		Time:          handle.UpdateTime,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	historyBucket, err := bucket(tx, handleHistoryBucket).CreateBucketIfNotExists(jobKey(handle.JobID))
	if err != nil {
		return err
	}
	seqNum, err := historyBucket.NextSequence()
	if err != nil {
		return err
	}
	return historyBucket.Put(uint64ToBytes(seqNum), data)
}

// DeleteHandle removes the handle, its history and its state-index entry.
func (s *Store) DeleteHandle(ctx context.Context, jobID uint64) error {
	return s.database.Update(func(tx *bolt.Tx) error {
		handle, err := s.getHandleInTx(tx, jobID)
		if err != nil {
			return err
		}

		if err := bucket(tx, handlesBucket).Delete(jobKey(jobID)); err != nil {
			return fmt.Errorf("failed to delete handle: %w", err)
		}

		stateBucket := bucket(tx, idxHandlesByStateBucket, handle.State.String())
		if stateBucket != nil {
			if err := stateBucket.Delete(jobKey(jobID)); err != nil {
				return fmt.Errorf("failed to delete handle from state index: %w", err)
			}
		}

		if bucket(tx, handleHistoryBucket, string(jobKey(jobID))) != nil {
			if err := bucket(tx, handleHistoryBucket).DeleteBucket(jobKey(jobID)); err != nil {
				return fmt.Errorf("failed to delete handle history: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) Close(ctx context.Context) error {
	if s.database != nil {
		return s.database.Close()
	}
	return nil
}

// compile-time check that we implement the interface HandleStore
var _ store.HandleStore = (*Store)(nil)
