//go:build unit || !integration

package epoch

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/lumino-labs/lumino-client/pkg/ledger"
	"github.com/lumino-labs/lumino-client/pkg/logger"
	"github.com/lumino-labs/lumino-client/pkg/models"
)

// scriptedReader replays a fixed sequence of (epoch, phase) readings.
type scriptedReader struct {
	readings []models.Epoch
	index    int
}

func (r *scriptedReader) current() models.Epoch {
	if r.index >= len(r.readings) {
		return r.readings[len(r.readings)-1]
	}
	return r.readings[r.index]
}

func (r *scriptedReader) ReadUint64(context.Context, ledger.Call) (uint64, error) {
	return r.current().Number, nil
}

func (r *scriptedReader) Read(context.Context, ledger.Call) ([]interface{}, error) {
	reading := r.current()
	r.index++
	return []interface{}{uint8(reading.Phase), big.NewInt(30)}, nil
}

type TrackerSuite struct {
	suite.Suite
}

func TestTrackerSuite(t *testing.T) {
	suite.Run(t, new(TrackerSuite))
}

func (s *TrackerSuite) SetupTest() {
	logger.ConfigureTestLogging(s.T())
}

func (s *TrackerSuite) TestPhasesComeFromChainState() {
	tracker := NewTracker(&scriptedReader{readings: []models.Epoch{
		{Number: 7, Phase: models.PhaseCommit},
		{Number: 7, Phase: models.PhaseReveal},
	}})

	first, err := tracker.Current(context.Background())
	s.Require().NoError(err)
	s.Equal(uint64(7), first.Number)
	s.Equal(models.PhaseCommit, first.Phase)

	second, err := tracker.Current(context.Background())
	s.Require().NoError(err)
	s.Equal(models.PhaseReveal, second.Phase)
}

func (s *TrackerSuite) TestRegressionIsDiscarded() {
	tracker := NewTracker(&scriptedReader{readings: []models.Epoch{
		{Number: 9, Phase: models.PhaseExecute},
		{Number: 8, Phase: models.PhaseCommit}, // stale RPC node
		{Number: 9, Phase: models.PhaseExecute},
		{Number: 9, Phase: models.PhaseExecute},
	}})
	ctx := context.Background()

	first, err := tracker.Current(ctx)
	s.Require().NoError(err)
	s.Equal(uint64(9), first.Number)

	// the stale reading must not move the tracker backwards
	stale, err := tracker.Current(ctx)
	s.Require().NoError(err)
	s.Equal(uint64(9), stale.Number)
	s.Equal(models.PhaseExecute, stale.Phase)

	// one good reading is not enough after a regression
	recovering, err := tracker.Current(ctx)
	s.Require().NoError(err)
	s.Equal(uint64(9), recovering.Number)

	recovered, err := tracker.Current(ctx)
	s.Require().NoError(err)
	s.Equal(uint64(9), recovered.Number)
}

func (s *TrackerSuite) TestRegressionRequiresConsistentRecovery() {
	tracker := NewTracker(&scriptedReader{readings: []models.Epoch{
		{Number: 9, Phase: models.PhaseExecute},
		{Number: 8, Phase: models.PhaseCommit},  // stale
		{Number: 10, Phase: models.PhaseCommit}, // first sighting of 10
		{Number: 11, Phase: models.PhaseCommit}, // inconsistent, restart quorum
		{Number: 11, Phase: models.PhaseCommit}, // second consistent sighting
	}})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		current, err := tracker.Current(ctx)
		s.Require().NoError(err)
		s.Equal(uint64(9), current.Number, "reading %d must still report the last trusted epoch", i)
	}

	final, err := tracker.Current(ctx)
	s.Require().NoError(err)
	s.Equal(uint64(11), final.Number)
}

func (s *TrackerSuite) TestSubscriptionReportsTransitionsOnce() {
	tracker := NewTracker(&scriptedReader{readings: []models.Epoch{
		{Number: 3, Phase: models.PhaseCommit},
		{Number: 3, Phase: models.PhaseCommit},
		{Number: 3, Phase: models.PhaseReveal},
	}})
	sub := tracker.Subscribe()
	ctx := context.Background()

	change, err := sub.Next(ctx)
	s.Require().NoError(err)
	s.Require().NotNil(change)
	s.Equal(models.PhaseCommit, change.Current.Phase)

	change, err = sub.Next(ctx)
	s.Require().NoError(err)
	s.Nil(change, "no transition, no change")

	change, err = sub.Next(ctx)
	s.Require().NoError(err)
	s.Require().NotNil(change)
	s.Equal(models.PhaseCommit, change.Previous.Phase)
	s.Equal(models.PhaseReveal, change.Current.Phase)
}
