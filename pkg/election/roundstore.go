package election

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"
)

const (
	roundsBucket        = "election_rounds"
	databaseOpenTimeout = 5 * time.Second
)

// Round is the persisted election state for one epoch. It exists so a
// restart never regenerates a secret after the commitment is on-chain, and
// never resubmits a step the chain already accepted.
type Round struct {
	Epoch      uint64
	Secret     []byte
	Commitment []byte

	Committed           bool
	Revealed            bool
	ElectionTriggered   bool
	AssignmentStarted   bool
	IncentivesProcessed bool

	UpdateTime time.Time
}

// RoundStore persists election rounds in a boltdb database, keyed by epoch
// number.
type RoundStore struct {
	database *bolt.DB
}

func NewRoundStore(ctx context.Context, dbPath string) (*RoundStore, error) {
	log.Ctx(ctx).Debug().Msgf("creating election round store at %s", dbPath)

	database, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: databaseOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening election store %s: %w", dbPath, err)
	}
	err = database.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(roundsBucket))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("error creating database structure: %w", err)
	}
	return &RoundStore{database: database}, nil
}

func epochKey(epoch uint64) []byte {
	b := make([]byte, 8) //nolint:gomnd
	binary.BigEndian.PutUint64(b, epoch)
	return b
}

// GetRound returns the round for an epoch, or found=false when this node
// has no record of participating in it.
func (s *RoundStore) GetRound(ctx context.Context, epoch uint64) (Round, bool, error) {
	var round Round
	var found bool
	err := s.database.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(roundsBucket)).Get(epochKey(epoch))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &round)
	})
	return round, found, err
}

// PutRound writes the round, replacing any previous record for the epoch.
func (s *RoundStore) PutRound(ctx context.Context, round Round) error {
	round.UpdateTime = time.Now().UTC()
	data, err := json.Marshal(round)
	if err != nil {
		return err
	}
	return s.database.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(roundsBucket)).Put(epochKey(round.Epoch), data)
	})
}

// Prune drops rounds older than the given epoch. Secrets have no value
// once their epoch is over, so there is no point keeping them around.
func (s *RoundStore) Prune(ctx context.Context, beforeEpoch uint64) error {
	return s.database.Update(func(tx *bolt.Tx) error {
		cursor := tx.Bucket([]byte(roundsBucket)).Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			if binary.BigEndian.Uint64(k) >= beforeEpoch {
				break
			}
			if err := cursor.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *RoundStore) Close(ctx context.Context) error {
	if s.database != nil {
		return s.database.Close()
	}
	return nil
}
