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

// Docker runs rendered jobs inside a named image. It shares the shell
// adapter's exit-code result mapping; only the execution vehicle
// differs.
type Docker struct {
	name      string
	image     string
	outputDir string

	mu   sync.Mutex
	jobs map[string]*shellJob
}

// NewDocker creates a docker adapter running jobs in image.
func NewDocker(name, image, outputDir string) *Docker {
	return &Docker{
		name:      name,
		image:     image,
		outputDir: outputDir,
		jobs:      make(map[string]*shellJob),
	}
}

// Name implements Runtime.
func (d *Docker) Name() string { return d.name }

// LabType implements Runtime.
func (d *Docker) LabType() string { return config.RuntimeDocker }

// Submit implements Runtime.
func (d *Docker) Submit(_ context.Context, job []byte, node *types.Node) (*Handle, error) {
	if d.image == "" {
		return nil, fmt.Errorf("runtime %s: no image configured", d.name)
	}
	jobID := uuid.New().String()
	dir := filepath.Join(d.outputDir, jobID)
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

	containerName := "kite-" + jobID
	cmd := exec.Command("docker", "run", "--rm",
		"--name", containerName,
		"-v", dir+":/kite",
		d.image, "/bin/sh", "/kite/job.sh")
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("starting container: %w", err)
	}

	j := &shellJob{cmd: cmd, logPath: logPath, done: make(chan struct{})}
	d.mu.Lock()
	d.jobs[jobID] = j
	d.mu.Unlock()

	go func() {
		j.err = cmd.Wait()
		logFile.Close()
		close(j.done)
	}()

	return &Handle{Runtime: d.name, JobID: jobID, NodeID: node.ID}, nil
}

func (d *Docker) job(h *Handle) (*shellJob, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[h.JobID]
	if !ok {
		return nil, fmt.Errorf("unknown job %s", h.JobID)
	}
	return j, nil
}

// Poll implements Runtime.
func (d *Docker) Poll(_ context.Context, h *Handle) (Status, error) {
	j, err := d.job(h)
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
func (d *Docker) Cancel(_ context.Context, h *Handle) error {
	j, err := d.job(h)
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

// Results implements Runtime.
func (d *Docker) Results(ctx context.Context, h *Handle) (*ResultPayload, error) {
	j, err := d.job(h)
	if err != nil {
		return nil, err
	}
	select {
	case <-j.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	payload := &ResultPayload{
		Status:    types.ResultPass,
		Artifacts: map[string]string{"log": j.logPath},
	}
	if j.err != nil {
		payload.Status = types.ResultFail
		if exitErr, ok := j.err.(*exec.ExitError); ok {
			payload.ErrorCode = fmt.Sprintf("exit_%d", exitErr.ExitCode())
		} else {
			payload.ErrorMsg = j.err.Error()
		}
	}

	d.mu.Lock()
	delete(d.jobs, h.JobID)
	d.mu.Unlock()
	return payload, nil
}
