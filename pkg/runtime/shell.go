package runtime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/kite-ci/kite/pkg/config"
	"github.com/kite-ci/kite/pkg/types"
)

// Shell runs rendered jobs as local processes. Stdout and stderr are
// captured into a log file next to the job script so they can be
// attached as artifacts.
type Shell struct {
	name      string
	outputDir string

	mu   sync.Mutex
	jobs map[string]*shellJob
}

type shellJob struct {
	cmd     *exec.Cmd
	logPath string
	done    chan struct{}
	err     error
}

// NewShell creates a shell adapter writing under outputDir.
func NewShell(name, outputDir string) *Shell {
	return &Shell{
		name:      name,
		outputDir: outputDir,
		jobs:      make(map[string]*shellJob),
	}
}

// Name implements Runtime.
func (s *Shell) Name() string { return s.name }

// LabType implements Runtime.
func (s *Shell) LabType() string { return config.RuntimeShell }

// Submit implements Runtime.
func (s *Shell) Submit(_ context.Context, job []byte, node *types.Node) (*Handle, error) {
	jobID := uuid.New().String()
	dir := filepath.Join(s.outputDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating job dir: %w", err)
	}
	script := filepath.Join(dir, "job.sh")
	if err := os.WriteFile(script, job, 0o755); err != nil {
		return nil, fmt.Errorf("writing job script: %w", err)
	}
	logPath := filepath.Join(dir, "job.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("creating job log: %w", err)
	}

	cmd := exec.Command("/bin/sh", script)
	cmd.Dir = dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("starting job: %w", err)
	}

	j := &shellJob{cmd: cmd, logPath: logPath, done: make(chan struct{})}
	s.mu.Lock()
	s.jobs[jobID] = j
	s.mu.Unlock()

	go func() {
		j.err = cmd.Wait()
		logFile.Close()
		close(j.done)
	}()

	return &Handle{Runtime: s.name, JobID: jobID, NodeID: node.ID}, nil
}

func (s *Shell) job(h *Handle) (*shellJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[h.JobID]
	if !ok {
		return nil, fmt.Errorf("unknown job %s", h.JobID)
	}
	return j, nil
}

// Poll implements Runtime.
func (s *Shell) Poll(_ context.Context, h *Handle) (Status, error) {
	j, err := s.job(h)
	if err != nil {
		return StatusUnknown, err
	}
	select {
	case <-j.done:
		if j.err != nil {
			return StatusFailed, nil
		}
		return StatusSucceeded, nil
	default:
		return StatusRunning, nil
	}
}

// Cancel implements Runtime.
func (s *Shell) Cancel(_ context.Context, h *Handle) error {
	j, err := s.job(h)
	if err != nil {
		return err
	}
	select {
	case <-j.done:
		return nil
	default:
		return j.cmd.Process.Signal(syscall.SIGTERM)
	}
}

// Results implements Runtime. The exit code maps to the verdict:
// zero is pass, anything else fail.
func (s *Shell) Results(ctx context.Context, h *Handle) (*ResultPayload, error) {
	j, err := s.job(h)
	if err != nil {
		return nil, err
	}
	select {
	case <-j.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	result := types.ResultPass
	payload := &ResultPayload{
		Artifacts: map[string]string{"log": j.logPath},
	}
	if j.err != nil {
		result = types.ResultFail
		if exitErr, ok := j.err.(*exec.ExitError); ok {
			payload.ErrorCode = fmt.Sprintf("exit_%d", exitErr.ExitCode())
		} else {
			payload.ErrorMsg = j.err.Error()
		}
	}
	payload.Status = result

	s.mu.Lock()
	delete(s.jobs, h.JobID)
	s.mu.Unlock()
	return payload, nil
}
