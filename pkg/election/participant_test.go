//go:build unit || !integration

package election

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/suite"

	"github.com/lumino-labs/lumino-client/pkg/ledger"
	"github.com/lumino-labs/lumino-client/pkg/logger"
	"github.com/lumino-labs/lumino-client/pkg/models"
)

const testNodeID = uint64(3)

type fakeLedger struct {
	mu        sync.Mutex
	leader    uint64
	started   bool
	submitted []ledger.Call
	submitErr map[string]error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{submitErr: make(map[string]error)}
}

func (f *fakeLedger) ReadUint64(_ context.Context, call ledger.Call) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leader, nil
}

func (f *fakeLedger) ReadBool(_ context.Context, call ledger.Call) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, nil
}

func (f *fakeLedger) SubmitAndConfirm(_ context.Context, call ledger.Call, _ time.Duration) (ledger.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.submitErr[call.Method]; ok {
		return ledger.Confirmation{}, err
	}
	f.submitted = append(f.submitted, call)
	return ledger.Confirmation{Outcome: ledger.OutcomeConfirmed}, nil
}

func (f *fakeLedger) submissions(method string) []ledger.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ledger.Call
	for _, call := range f.submitted {
		if call.Method == method {
			out = append(out, call)
		}
	}
	return out
}

type ParticipantSuite struct {
	suite.Suite
	ledger *fakeLedger
	store  *RoundStore
}

func TestParticipantSuite(t *testing.T) {
	suite.Run(t, new(ParticipantSuite))
}

func (s *ParticipantSuite) SetupTest() {
	logger.ConfigureTestLogging(s.T())
	s.ledger = newFakeLedger()
	var err error
	s.store, err = NewRoundStore(context.Background(), filepath.Join(s.T().TempDir(), "elections.db"))
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = s.store.Close(context.Background()) })
}

func (s *ParticipantSuite) newParticipant() *Participant {
	return NewParticipant(ParticipantParams{
		NodeID: testNodeID,
		Ledger: s.ledger,
		Store:  s.store,
	})
}

func epochAt(number uint64, phase models.Phase) models.Epoch {
	return models.Epoch{Number: number, Phase: phase}
}

func (s *ParticipantSuite) TestCommitmentSubmittedOncePerEpoch() {
	participant := s.newParticipant()
	ctx := context.Background()

	s.Require().NoError(participant.OnPhase(ctx, epochAt(4, models.PhaseCommit)))
	s.Require().NoError(participant.OnPhase(ctx, epochAt(4, models.PhaseCommit)))
	s.Require().NoError(participant.OnPhase(ctx, epochAt(4, models.PhaseCommit)))

	s.Len(s.ledger.submissions("submitCommitment"), 1)
}

func (s *ParticipantSuite) TestSecretPersistedBeforeCommitment() {
	// if the commitment transaction fails, the secret must already be on
	// disk, otherwise a crash strands an on-chain commitment forever
	s.ledger.mu.Lock()
	s.ledger.submitErr["submitCommitment"] = ledger.ErrReverted{Kind: ledger.RevertUnknown, Reason: "boom"}
	s.ledger.mu.Unlock()

	participant := s.newParticipant()
	err := participant.OnPhase(context.Background(), epochAt(4, models.PhaseCommit))
	s.Require().Error(err)

	round, found, err := s.store.GetRound(context.Background(), 4)
	s.Require().NoError(err)
	s.Require().True(found)
	s.Len(round.Secret, secretLength)
	s.Equal(crypto.Keccak256(round.Secret), round.Commitment)
	s.False(round.Committed)
}

func (s *ParticipantSuite) TestRevealUsesCommittedSecret() {
	participant := s.newParticipant()
	ctx := context.Background()

	s.Require().NoError(participant.OnPhase(ctx, epochAt(4, models.PhaseCommit)))
	s.Require().NoError(participant.OnPhase(ctx, epochAt(4, models.PhaseReveal)))

	round, _, err := s.store.GetRound(ctx, 4)
	s.Require().NoError(err)

	reveals := s.ledger.submissions("revealSecret")
	s.Require().Len(reveals, 1)
	revealed := reveals[0].Args[1].([32]byte)
	s.Equal(round.Secret, revealed[:])
}

func (s *ParticipantSuite) TestRestartDoesNotResubmit() {
	ctx := context.Background()
	first := s.newParticipant()
	s.Require().NoError(first.OnPhase(ctx, epochAt(4, models.PhaseCommit)))
	s.Require().NoError(first.OnPhase(ctx, epochAt(4, models.PhaseReveal)))

	// a new participant over the same store models a process restart
	restarted := s.newParticipant()
	s.Require().NoError(restarted.OnPhase(ctx, epochAt(4, models.PhaseCommit)))
	s.Require().NoError(restarted.OnPhase(ctx, epochAt(4, models.PhaseReveal)))

	s.Len(s.ledger.submissions("submitCommitment"), 1)
	s.Len(s.ledger.submissions("revealSecret"), 1)
}

func (s *ParticipantSuite) TestLateJoinSkipsReveal() {
	participant := s.newParticipant()
	// no commit happened for this epoch
	s.Require().NoError(participant.OnPhase(context.Background(), epochAt(9, models.PhaseReveal)))
	s.Empty(s.ledger.submissions("revealSecret"))
}

func (s *ParticipantSuite) TestLeaderStartsAssignmentRound() {
	s.ledger.mu.Lock()
	s.ledger.leader = testNodeID
	s.ledger.mu.Unlock()

	participant := s.newParticipant()
	ctx := context.Background()
	s.Require().NoError(participant.OnPhase(ctx, epochAt(4, models.PhaseCommit)))
	s.Require().NoError(participant.OnPhase(ctx, epochAt(4, models.PhaseReveal)))
	s.Require().NoError(participant.OnPhase(ctx, epochAt(4, models.PhaseElect)))

	s.Len(s.ledger.submissions("electLeader"), 1)
	s.Len(s.ledger.submissions("startAssignmentRound"), 1)

	// a second pass through the phase must not start another round
	s.Require().NoError(participant.OnPhase(ctx, epochAt(4, models.PhaseElect)))
	s.Len(s.ledger.submissions("startAssignmentRound"), 1)
}

func (s *ParticipantSuite) TestNonLeaderDoesNotStartAssignmentRound() {
	s.ledger.mu.Lock()
	s.ledger.leader = testNodeID + 1
	s.ledger.mu.Unlock()

	participant := s.newParticipant()
	ctx := context.Background()
	s.Require().NoError(participant.OnPhase(ctx, epochAt(4, models.PhaseCommit)))
	s.Require().NoError(participant.OnPhase(ctx, epochAt(4, models.PhaseReveal)))
	s.Require().NoError(participant.OnPhase(ctx, epochAt(4, models.PhaseElect)))

	s.Len(s.ledger.submissions("electLeader"), 1)
	s.Empty(s.ledger.submissions("startAssignmentRound"))
}

func (s *ParticipantSuite) TestLosingTheElectionRaceCountsAsDone() {
	s.ledger.mu.Lock()
	s.ledger.submitErr["electLeader"] = ledger.ErrReverted{
		Kind: ledger.RevertPrecondition, Reason: "execution reverted: already started",
	}
	s.ledger.mu.Unlock()

	participant := s.newParticipant()
	ctx := context.Background()
	s.Require().NoError(participant.OnPhase(ctx, epochAt(4, models.PhaseCommit)))
	s.Require().NoError(participant.OnPhase(ctx, epochAt(4, models.PhaseReveal)))
	s.Require().NoError(participant.OnPhase(ctx, epochAt(4, models.PhaseElect)))

	round, _, err := s.store.GetRound(ctx, 4)
	s.Require().NoError(err)
	s.True(round.ElectionTriggered)
}

func (s *ParticipantSuite) TestOldRoundsArePrunedOnNewEpoch() {
	participant := s.newParticipant()
	ctx := context.Background()

	s.Require().NoError(participant.OnPhase(ctx, epochAt(4, models.PhaseCommit)))
	s.Require().NoError(participant.OnPhase(ctx, epochAt(5, models.PhaseCommit)))

	// epoch 4's dispute window is over once epoch 5 commits; its secret
	// must not linger on disk
	_, found, err := s.store.GetRound(ctx, 4)
	s.Require().NoError(err)
	s.False(found)

	_, found, err = s.store.GetRound(ctx, 5)
	s.Require().NoError(err)
	s.True(found)
}

func (s *ParticipantSuite) TestIncentivesProcessedOncePerEpoch() {
	participant := s.newParticipant()
	ctx := context.Background()

	s.Require().NoError(participant.OnPhase(ctx, epochAt(4, models.PhaseDispute)))
	s.Require().NoError(participant.OnPhase(ctx, epochAt(4, models.PhaseDispute)))
	s.Len(s.ledger.submissions("processAll"), 1)

	s.Require().NoError(participant.OnPhase(ctx, epochAt(5, models.PhaseDispute)))
	s.Len(s.ledger.submissions("processAll"), 2)
}
