package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/inkbound/bindery/internal/artifact"
	"github.com/inkbound/bindery/internal/connectors"
)

// Stage is one unit of work in a pipeline. Run receives the job's working
// directory, the caller's options and the previous stage's output path, and
// returns the path of its own output. Stages must be deterministic given
// identical inputs and must not depend on wall-clock time except for logging.
type Stage struct {
	Name string
	Run  func(ctx context.Context, workDir string, opts map[string]string, prior string) (string, error)
}

const (
	DefaultStageTimeout = 5 * time.Minute
	DefaultJobTTL       = time.Hour
)

type queued struct {
	id     string
	stages []Stage
	opts   map[string]string
	input  string
}

// Coordinator drives named pipelines of stages over input files. It persists
// progress to the Store after every stage, isolates stage failures, and
// guarantees at-most-one terminal transition per job. Jobs are executed by a
// fixed pool of workers fed from a buffered queue; a saturated queue fails
// the job immediately instead of blocking the caller.
type Coordinator struct {
	store        Store
	workRoot     string
	outputs      artifact.Dir
	stageTimeout time.Duration
	queue        chan queued
	conns        []connectors.Connector
	strict       bool
	metrics      *Metrics
	logger       zerolog.Logger
}

type CoordinatorConfig struct {
	Store        Store
	WorkRoot     string
	Outputs      artifact.Dir
	StageTimeout time.Duration
	Workers      int
	QueueDepth   int
	Connectors   []connectors.Connector
	Strict       bool
	Logger       zerolog.Logger
}

func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if err := os.MkdirAll(cfg.WorkRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create work root: %w", err)
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 64
	}
	timeout := cfg.StageTimeout
	if timeout <= 0 {
		timeout = DefaultStageTimeout
	}
	c := &Coordinator{
		store:        cfg.Store,
		workRoot:     cfg.WorkRoot,
		outputs:      cfg.Outputs,
		stageTimeout: timeout,
		queue:        make(chan queued, depth),
		conns:        cfg.Connectors,
		strict:       cfg.Strict,
		metrics:      &Metrics{},
		logger:       cfg.Logger.With().Str("component", "coordinator").Logger(),
	}
	for i := 0; i < workers; i++ {
		go c.worker(i)
	}
	return c, nil
}

func (c *Coordinator) worker(id int) {
	for q := range c.queue {
		c.runJob(q, id)
	}
}

func (c *Coordinator) workDir(jobID string) string {
	return filepath.Join(c.workRoot, jobID, "work")
}

// Start allocates a job id and working directory, persists a running record
// at progress 0 and hands the pipeline to the worker pool. The caller gets
// the record back immediately and polls Progress for the outcome.
func (c *Coordinator) Start(ctx context.Context, tool string, stages []Stage, inputPath string, opts map[string]string) (*Job, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("tool %s has no stages", tool)
	}
	if _, err := os.Stat(inputPath); err != nil {
		return nil, fmt.Errorf("input %s: %w", inputPath, err)
	}
	j := &Job{
		ID:        uuid.NewString(),
		Tool:      tool,
		Status:    StatusRunning,
		Stage:     stages[0].Name,
		InputPath: inputPath,
		StartedAt: time.Now().UTC(),
	}
	if err := os.MkdirAll(c.workDir(j.ID), 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	if err := c.store.Create(ctx, j); err != nil {
		c.Cleanup(ctx, j.ID)
		return nil, fmt.Errorf("create job record: %w", err)
	}
	q := queued{id: j.ID, stages: stages, opts: opts, input: inputPath}
	select {
	case c.queue <- q:
	default:
		c.logger.Warn().Str("job_id", j.ID).Msg("queue saturated, dropping job")
		c.fail(context.Background(), j.ID, errors.New("scheduler overloaded"))
		c.metrics.record(StatusFailed, 0)
		updated, err := c.store.Get(ctx, j.ID)
		if err != nil {
			return j, nil
		}
		return updated, nil
	}
	c.logger.Info().Str("job_id", j.ID).Str("tool", tool).Int("stages", len(stages)).Msg("job queued")
	snap := j.snapshot()
	return &snap, nil
}

func (c *Coordinator) runJob(q queued, workerID int) {
	ctx := context.Background()
	start := time.Now().UTC()
	logger := c.logger.With().Str("job_id", q.id).Int("worker", workerID).Logger()

	prior := q.input
	total := len(q.stages)
	for i, stage := range q.stages {
		if _, err := c.store.Mutate(ctx, q.id, func(j *Job) error {
			if j.Status != StatusRunning {
				return fmt.Errorf("job no longer running")
			}
			j.Stage = stage.Name
			return nil
		}); err != nil {
			logger.Warn().Err(err).Msg("job record unavailable before stage; abandoning")
			c.Cleanup(ctx, q.id)
			return
		}

		sctx, cancel := context.WithTimeout(ctx, c.stageTimeout)
		out, err := stage.Run(sctx, c.workDir(q.id), q.opts, prior)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("timed out after %s: %w", c.stageTimeout, err)
			}
			stageErr := &StageError{Stage: stage.Name, Err: err}
			logger.Error().Err(stageErr).Str("stage", stage.Name).Msg("stage failed")
			c.fail(ctx, q.id, stageErr)
			c.metrics.record(StatusFailed, time.Since(start))
			return
		}
		prior = out

		if i < total-1 {
			pct := (i + 1) * 100 / total
			if _, err := c.store.Mutate(ctx, q.id, func(j *Job) error {
				if pct > j.Progress {
					j.Progress = pct
				}
				return nil
			}); err != nil {
				logger.Warn().Err(err).Msg("progress update failed")
			}
		}
		logger.Debug().Str("stage", stage.Name).Int("index", i).Msg("stage finished")
	}

	name, err := c.publish(ctx, q.id, prior)
	if err != nil {
		c.fail(ctx, q.id, err)
		c.metrics.record(StatusFailed, time.Since(start))
		return
	}

	now := time.Now().UTC()
	if _, err := c.store.Mutate(ctx, q.id, func(j *Job) error {
		if j.Status != StatusRunning {
			return nil
		}
		j.Status = StatusCompleted
		j.Progress = 100
		j.OutputRef = name
		j.CompletedAt = &now
		return nil
	}); err != nil {
		logger.Error().Err(err).Msg("failed to record completion")
	}
	c.Cleanup(ctx, q.id)
	c.metrics.record(StatusCompleted, time.Since(start))
	logger.Info().Str("output", name).Dur("elapsed", time.Since(start)).Msg("job completed")
}

// publish moves the final stage output into the outputs directory under a
// safe name and replicates it through any configured connectors.
func (c *Coordinator) publish(ctx context.Context, jobID, produced string) (string, error) {
	name := artifact.SafeName(filepath.Base(produced))
	outPath, err := c.outputs.Path(name)
	if err != nil {
		return "", err
	}
	if err := moveFile(produced, outPath); err != nil {
		return "", fmt.Errorf("publish output: %w", err)
	}
	if len(c.conns) > 0 {
		data, err := os.ReadFile(outPath)
		if err != nil {
			return "", fmt.Errorf("read output for replication: %w", err)
		}
		if err := connectors.Replicate(ctx, c.conns, c.strict, c.logger, jobID, name, data); err != nil {
			return "", err
		}
	}
	return name, nil
}

// fail records the terminal failure and runs cleanup. The status guard keeps
// the transition at-most-once; the terminal write happens on the same path as
// the error capture so a failure can never leave the record running.
func (c *Coordinator) fail(ctx context.Context, jobID string, cause error) {
	now := time.Now().UTC()
	if _, err := c.store.Mutate(ctx, jobID, func(j *Job) error {
		if j.IsDone() {
			return nil
		}
		j.Status = StatusFailed
		j.Error = cause.Error()
		j.CompletedAt = &now
		return nil
	}); err != nil && !errors.Is(err, ErrJobNotFound) {
		c.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to record job failure")
	}
	c.Cleanup(ctx, jobID)
}

// Progress returns the current record for a job.
func (c *Coordinator) Progress(ctx context.Context, jobID string) (*Job, error) {
	return c.store.Get(ctx, jobID)
}

// Metrics exposes the coordinator's run counters.
func (c *Coordinator) Metrics() *Metrics {
	return c.metrics
}

// Cleanup removes a job's working directory. Idempotent; the record and the
// produced output artifact are left alone.
func (c *Coordinator) Cleanup(_ context.Context, jobID string) {
	if err := os.RemoveAll(filepath.Join(c.workRoot, jobID)); err != nil {
		c.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to remove work dir")
	}
}

// Sweep removes working directories and records of jobs older than ttl,
// regardless of status, to bound disk usage from abandoned or crashed jobs.
func (c *Coordinator) Sweep(ctx context.Context, ttl time.Duration) (int, error) {
	jobs, err := c.store.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-ttl)
	var swept atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, j := range jobs {
		if !j.StartedAt.Before(cutoff) {
			continue
		}
		id := j.ID
		g.Go(func() error {
			c.Cleanup(gctx, id)
			if err := c.store.Delete(gctx, id); err != nil && !errors.Is(err, ErrJobNotFound) {
				return err
			}
			swept.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(swept.Load()), err
	}
	n := int(swept.Load())
	if n > 0 {
		c.logger.Info().Int("count", n).Msg("swept expired jobs")
	}
	return n, nil
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// Rename can fail across filesystems; fall back to copy.
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return os.Remove(src)
}
