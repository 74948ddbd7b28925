package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	runnerScript   = "scripts/runners/celery-wf-docker.sh"
	resultsBaseDir = ".results"
	tokenCountFile = ".token-count"
	finishedFile   = ".finished"
)

type run struct {
	cmd       *exec.Cmd
	resultDir string

	mu       sync.Mutex
	exited   bool
	exitErr  error
	reported bool
}

// Subprocess runs training jobs through the pipeline's local runner script,
// mirroring its directory conventions: results land under
// .results/<submitter>/<job-id>/, the tokenized dataset size appears in a
// .token-count file, and a .finished marker signals a clean run.
type Subprocess struct {
	pipelineDir string

	mu   sync.Mutex
	runs map[string]*run
}

func NewSubprocess(pipelineDir string) *Subprocess {
	return &Subprocess{
		pipelineDir: pipelineDir,
		runs:        make(map[string]*run),
	}
}

func (s *Subprocess) Launch(ctx context.Context, spec LaunchSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[spec.RunID]; exists {
		return errors.Errorf("run %s already launched", spec.RunID)
	}

	args, err := buildRunnerArgs(spec)
	if err != nil {
		return err
	}

	resultDir := filepath.Join(s.pipelineDir, resultsBaseDir, spec.Submitter, strconv.FormatUint(spec.JobID, 10))
	if err := os.MkdirAll(resultDir, 0o755); err != nil {
		return errors.Wrap(err, "creating results dir")
	}

	script := filepath.Join(s.pipelineDir, runnerScript)
	cmd := exec.Command(script, args...)
	cmd.Dir = s.pipelineDir
	cmd.Env = append(os.Environ(), "PZ_ENV=cpnode")

	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "starting pipeline runner")
	}
	log.Ctx(ctx).Info().
		Str("run", spec.RunID).
		Uint64("job", spec.JobID).
		Msgf("pipeline runner started: %s %s", script, strings.Join(args, " "))

	r := &run{cmd: cmd, resultDir: resultDir}
	s.runs[spec.RunID] = r

	go func() {
		err := cmd.Wait()
		r.mu.Lock()
		r.exited = true
		r.exitErr = err
		r.mu.Unlock()
	}()
	return nil
}

func buildRunnerArgs(spec LaunchSpec) ([]string, error) {
	var params struct {
		DatasetID string `json:"dataset_id"`
		BatchSize *int   `json:"batch_size"`
		Shuffle   *bool  `json:"shuffle"`
		NumEpochs *int   `json:"num_epochs"`
		UseLora   *bool  `json:"use_lora"`
		UseQlora  *bool  `json:"use_qlora"`
		LR        string `json:"lr"`
		Seed      *int64 `json:"seed"`
	}
	if err := json.Unmarshal([]byte(spec.Params), &params); err != nil {
		return nil, errors.Wrap(err, "job params are not valid JSON")
	}

	batchSize := 2
	if params.BatchSize != nil {
		batchSize = *params.BatchSize
	}
	shuffle := true
	if params.Shuffle != nil {
		shuffle = *params.Shuffle
	}
	numEpochs := 1
	if params.NumEpochs != nil {
		numEpochs = *params.NumEpochs
	}
	useLora := true
	if params.UseLora != nil {
		useLora = *params.UseLora
	}
	useQlora := false
	if params.UseQlora != nil {
		useQlora = *params.UseQlora
	}
	lr := params.LR
	if lr == "" {
		lr = "3e-4"
	}
	seed := ""
	if params.Seed != nil {
		seed = strconv.FormatInt(*params.Seed, 10)
	}

	return []string{
		"torchtunewrapper",
		"--job_config_name", spec.BaseModelName,
		"--job_id", strconv.FormatUint(spec.JobID, 10),
		"--user_id", spec.Submitter,
		"--dataset_id", params.DatasetID,
		"--batch_size", strconv.Itoa(batchSize),
		"--shuffle", strconv.FormatBool(shuffle),
		"--num_epochs", strconv.Itoa(numEpochs),
		"--use_lora", strconv.FormatBool(useLora),
		"--use_qlora", strconv.FormatBool(useQlora),
		"--lr", lr,
		"--seed", seed,
		"--num_gpus", strconv.Itoa(NumGPUs(spec.BaseModelName, useLora)),
	}, nil
}

// NumGPUs sizes the run from the base model and fine-tune type: full
// fine-tunes of the 8b model need 4 GPUs, the 70b model needs 4 with LoRA
// and 8 without, everything else runs on one.
func NumGPUs(baseModelName string, useLora bool) int {
	switch baseModelName {
	case "llm_llama3_1_8b":
		if !useLora {
			return 4
		}
	case "llm_llama3_1_70b":
		if !useLora {
			return 8
		}
		return 4
	}
	return 1
}

func (s *Subprocess) Poll(ctx context.Context, runID string) (Observation, error) {
	s.mu.Lock()
	r, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return Observation{}, errors.Errorf("unknown run %s", runID)
	}

	obs := Observation{Status: StatusRunning}

	r.mu.Lock()
	exited, exitErr, reported := r.exited, r.exitErr, r.reported
	r.mu.Unlock()

	if !reported {
		if count, ok := readTokenCount(filepath.Join(r.resultDir, tokenCountFile)); ok {
			obs.TokenCount = &count
			r.mu.Lock()
			r.reported = true
			r.mu.Unlock()
		}
	}

	if !exited {
		return obs, nil
	}

	if exitErr != nil {
		obs.Status = StatusFailed
		obs.Error = exitErr.Error()
		return obs, nil
	}
	if _, err := os.Stat(filepath.Join(r.resultDir, finishedFile)); err != nil {
		obs.Status = StatusFailed
		obs.Error = "runner exited without a .finished marker"
		return obs, nil
	}
	obs.Status = StatusSucceeded
	obs.ResultRef = r.resultDir
	return obs, nil
}

func readTokenCount(path string) (uint64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	count, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false
	}
	return count, true
}

func (s *Subprocess) Cancel(ctx context.Context, runID string) error {
	s.mu.Lock()
	r, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return errors.Errorf("unknown run %s", runID)
	}
	r.mu.Lock()
	exited := r.exited
	r.mu.Unlock()
	if exited {
		return nil
	}
	log.Ctx(ctx).Info().Str("run", runID).Msg("killing pipeline runner")
	return r.cmd.Process.Kill()
}

// compile-time interface check
var _ Pipeline = (*Subprocess)(nil)
