//go:build unit || !integration

package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumGPUs(t *testing.T) {
	testCases := []struct {
		model   string
		useLora bool
		want    int
	}{
		{"llm_llama3_1_8b", true, 1},
		{"llm_llama3_1_8b", false, 4},
		{"llm_llama3_1_70b", true, 4},
		{"llm_llama3_1_70b", false, 8},
		{"llm_mistral_7b", true, 1},
		{"llm_mistral_7b", false, 1},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, NumGPUs(tc.model, tc.useLora), "%s lora=%v", tc.model, tc.useLora)
	}
}

func TestBuildRunnerArgsDefaults(t *testing.T) {
	args, err := buildRunnerArgs(LaunchSpec{
		RunID:         "r1",
		JobID:         12,
		Submitter:     "0xaa",
		BaseModelName: "llm_llama3_1_8b",
		Params:        `{"dataset_id":"d1"}`,
	})
	require.NoError(t, err)

	assert.Equal(t, "torchtunewrapper", args[0])
	assert.Contains(t, args, "--dataset_id")
	assert.Contains(t, args, "d1")
	// defaults applied when the blob omits them
	assert.Contains(t, args, "--batch_size")
	assert.Contains(t, args, "2")
	assert.Contains(t, args, "--lr")
	assert.Contains(t, args, "3e-4")
	assert.Contains(t, args, "--num_gpus")
	assert.Contains(t, args, "1")
}

func TestBuildRunnerArgsRejectsBadJSON(t *testing.T) {
	_, err := buildRunnerArgs(LaunchSpec{Params: `{"dataset_id"`})
	require.Error(t, err)
}

func TestSimulatorReportsTokenCountOnce(t *testing.T) {
	sim := NewSimulator(time.Hour)
	ctx := context.Background()
	require.NoError(t, sim.Launch(ctx, LaunchSpec{RunID: "r1"}))

	first, err := sim.Poll(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, first.TokenCount)

	second, err := sim.Poll(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, second.TokenCount, "the token count appears at most once per run")
}

func TestSimulatorLifecycle(t *testing.T) {
	sim := NewSimulator(0)
	ctx := context.Background()
	require.NoError(t, sim.Launch(ctx, LaunchSpec{RunID: "r1"}))
	require.Error(t, sim.Launch(ctx, LaunchSpec{RunID: "r1"}), "double launch must fail")

	obs, err := sim.Poll(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, obs.Status)
	assert.Equal(t, "simulated://r1", obs.ResultRef)

	require.NoError(t, sim.Cancel(ctx, "r1"))
	_, err = sim.Poll(ctx, "r1")
	require.Error(t, err, "a cancelled run is gone")
}
