// Package orchestrator sequences one render job end-to-end as a durable
// workflow: verify the origin sandbox, stage scripts, resolve the frame
// range, render (single sandbox or fanned out over chunks), then fetch,
// persist and clean up. Every step is memoized, so the worker process can be
// torn down mid-run and resume where it left off.
package orchestrator

import (
	"context"
	"fmt"
	"path"
	"time"

	"blendfarm/internal/pkg/errors"
	"blendfarm/internal/pkg/logger"
	"blendfarm/internal/ports"
	"blendfarm/internal/render"
	"blendfarm/internal/sandbox"
	"blendfarm/internal/workflow"
)

// Config tunes the orchestrator. Zero values fall back to defaults.
type Config struct {
	// TemplateID is the sandbox template used for chunk workers.
	TemplateID string
	// RenderTimeoutSeconds caps one render pass at the shell level.
	RenderTimeoutSeconds int
	// InspectTimeoutSeconds caps the frame-inspection pass.
	InspectTimeoutSeconds int
	// PollInterval is the sleep between polls; deliberately coarse so a
	// suspended run holds no execution slot.
	PollInterval time.Duration
	// MaxPolls bounds the polling loop; exceeding it fails the run as
	// presumed stuck.
	MaxPolls int
	// ArtifactDir receives finished videos when no storage provider is
	// configured.
	ArtifactDir string
	// ConnectTimeout bounds sandbox connect/create calls.
	ConnectTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RenderTimeoutSeconds <= 0 {
		c.RenderTimeoutSeconds = 3 * 3600
	}
	if c.InspectTimeoutSeconds <= 0 {
		c.InspectTimeoutSeconds = 300
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Minute
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = 1000
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = time.Minute
	}
	return c
}

// Result is the terminal outcome of a successful run.
type Result struct {
	ObjectKey string `json:"object_key"`
	Provider  string `json:"provider"`
	VideoURL  string `json:"video_url,omitempty"`
	Size      int64  `json:"size"`
}

type Orchestrator struct {
	sandboxes sandbox.Client
	storage   ports.StorageProvider
	driver    *render.Driver
	parallel  *render.ParallelDriver
	cfg       Config
	log       *logger.Logger
}

func New(sandboxes sandbox.Client, storage ports.StorageProvider, cfg Config, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.NewDefault()
	}
	cfg = cfg.withDefaults()
	driver := render.NewDriver(log)
	return &Orchestrator{
		sandboxes: sandboxes,
		storage:   storage,
		driver:    driver,
		parallel:  render.NewParallelDriver(sandboxes, driver, cfg.TemplateID, log),
		cfg:       cfg,
		log:       log.WithComponent("orchestrator"),
	}
}

// Execute drives one render run to a terminal state or a suspension point.
// On any failure other than a suspension it terminates the origin sandbox
// best-effort before returning; the original error is always the one
// propagated.
func (o *Orchestrator) Execute(ctx context.Context, run *workflow.Run, req render.Request) (res *Result, err error) {
	log := o.log.WithRunID(run.ID).WithSandboxID(req.SandboxID)

	defer func() {
		if err == nil {
			return
		}
		if _, suspended := workflow.AsSuspend(err); suspended {
			return
		}
		log.Warn("run failed, terminating origin sandbox", "error", err.Error())
		// Cleanup still runs when the caller's context is already gone.
		o.killOrigin(context.WithoutCancel(ctx), req.SandboxID)
	}()

	if _, err = workflow.Step(ctx, run, "verify-worker", func(ctx context.Context) (bool, error) {
		return o.verifyWorker(ctx, req.SandboxID)
	}); err != nil {
		return nil, err
	}

	if _, err = workflow.Step(ctx, run, "upload-render-script", func(ctx context.Context) (bool, error) {
		h, err := o.connect(ctx, req.SandboxID)
		if err != nil {
			return false, err
		}
		return true, o.driver.StageScript(ctx, h, render.RenderScriptPath, render.RenderScript)
	}); err != nil {
		return nil, err
	}

	parallel := req.Parallelism >= 2
	needsInspection := req.FrameRange == nil || !req.FrameRange.Valid()

	// Parallel mode stages the inspection script even with a known range so
	// the bytes are on the origin sandbox, ready to copy to chunk workers.
	if needsInspection || parallel {
		if _, err = workflow.Step(ctx, run, "upload-frame-inspection-script", func(ctx context.Context) (bool, error) {
			h, err := o.connect(ctx, req.SandboxID)
			if err != nil {
				return false, err
			}
			return true, o.driver.StageScript(ctx, h, render.InspectScriptPath, render.InspectScript)
		}); err != nil {
			return nil, err
		}
	}

	fr, err := workflow.Step(ctx, run, "resolve-frame-range", func(ctx context.Context) (render.FrameRange, error) {
		return o.resolveFrameRange(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	log.Info("frame range resolved", "start", fr.Start, "end", fr.End, "count", fr.Count, "fps", fr.FPS)

	if parallel {
		err = o.executeParallel(ctx, run, req, fr)
	} else {
		err = o.executeSingle(ctx, run, req)
	}
	if err != nil {
		return nil, err
	}

	raw, err := workflow.Step(ctx, run, "read-output-artifact", func(ctx context.Context) (any, error) {
		h, err := o.connect(ctx, req.SandboxID)
		if err != nil {
			return nil, err
		}
		return o.driver.FetchArtifact(ctx, h, render.OutputPath)
	})
	if err != nil {
		return nil, err
	}
	// The memoization round-trip can reshape the byte payload; normalize
	// before anything touches it.
	data, err := render.ToBytes(raw)
	if err != nil {
		return nil, errors.Wrap(err, "orchestrator.read", "unrecognized artifact payload shape")
	}

	result, err := workflow.Step(ctx, run, "persist-artifact", func(ctx context.Context) (Result, error) {
		return o.persistArtifact(ctx, req.SandboxID, data)
	})
	if err != nil {
		return nil, err
	}
	log.Info("artifact persisted", "object_key", result.ObjectKey, "provider", result.Provider, "size", result.Size)

	// Termination failure must not fail an already-successful run.
	_, _ = workflow.Step(ctx, run, "cleanup-origin-worker", func(ctx context.Context) (bool, error) {
		o.killOrigin(ctx, req.SandboxID)
		return true, nil
	})

	return &result, nil
}

func (o *Orchestrator) verifyWorker(ctx context.Context, sandboxID string) (bool, error) {
	h, err := o.connect(ctx, sandboxID)
	if err != nil {
		return false, err
	}
	entries, err := h.ListDir(ctx, path.Dir(render.ScenePath))
	if err != nil {
		return false, errors.Wrap(err, "orchestrator.verify", "failed to list origin sandbox files")
	}
	for _, e := range entries {
		if e.Name == path.Base(render.ScenePath) {
			return true, nil
		}
	}
	return false, errors.New(errors.CodeNotFound, "scene file not found on origin sandbox: "+render.ScenePath)
}

func (o *Orchestrator) resolveFrameRange(ctx context.Context, req render.Request) (render.FrameRange, error) {
	if req.FrameRange != nil && req.FrameRange.Valid() {
		return req.FrameRange.Normalized(), nil
	}
	h, err := o.connect(ctx, req.SandboxID)
	if err != nil {
		return render.FrameRange{}, err
	}
	fr, err := o.driver.InspectFrameRange(ctx, h, o.cfg.InspectTimeoutSeconds)
	if err != nil {
		return render.FrameRange{}, errors.WrapWithCode(err, errors.CodeFailedPrecond,
			"orchestrator.resolve", "could not resolve a frame range for the scene")
	}
	return fr, nil
}

func (o *Orchestrator) executeSingle(ctx context.Context, run *workflow.Run, req render.Request) error {
	if _, err := workflow.Step(ctx, run, "start-render", func(ctx context.Context) (int, error) {
		h, err := o.connect(ctx, req.SandboxID)
		if err != nil {
			return 0, err
		}
		return o.driver.StartBackground(ctx, h, render.StartOptions{
			ScriptPath:     render.RenderScriptPath,
			ScenePath:      render.ScenePath,
			TimeoutSeconds: o.cfg.RenderTimeoutSeconds,
		})
	}); err != nil {
		return err
	}

	for i := 0; i < o.cfg.MaxPolls; i++ {
		snap, err := workflow.Step(ctx, run, fmt.Sprintf("poll-%04d", i), func(ctx context.Context) (render.Snapshot, error) {
			h, err := o.connect(ctx, req.SandboxID)
			if err != nil {
				return render.Snapshot{}, err
			}
			return o.driver.Poll(ctx, h, render.OriginPollTarget())
		})
		if err != nil {
			return err
		}
		if snap.Cancelled() {
			return o.cancelledError(ctx, req.SandboxID)
		}
		if snap.Terminal() {
			return nil
		}
		// The exit-code sentinel in the stderr log without an artifact means
		// the detached process is already dead; classify from the log tail
		// instead of polling until the cap.
		if snap.ProcessExited {
			return render.ClassifyFailure(snap.StderrExcerpt, "render process exited before completing")
		}
		if err := run.Sleep(ctx, fmt.Sprintf("poll-sleep-%04d", i), o.cfg.PollInterval); err != nil {
			return err
		}
	}
	return errors.Newf(errors.CodeRenderStuck,
		"render did not reach a terminal state within %d polls", o.cfg.MaxPolls)
}

func (o *Orchestrator) executeParallel(ctx context.Context, run *workflow.Run, req render.Request, fr render.FrameRange) error {
	plan, err := workflow.Step(ctx, run, "plan-chunks", func(ctx context.Context) ([]render.Chunk, error) {
		chunks := render.PlanChunks(fr, req.Parallelism)
		if len(chunks) == 0 {
			return nil, errors.New(errors.CodeFailedPrecond, "frame range yields no chunks")
		}
		return chunks, nil
	})
	if err != nil {
		return err
	}

	chunkIDs, err := workflow.Step(ctx, run, "provision-chunk-workers", func(ctx context.Context) ([]string, error) {
		origin, err := o.connect(ctx, req.SandboxID)
		if err != nil {
			return nil, err
		}
		return o.parallel.Provision(ctx, origin, plan)
	})
	if err != nil {
		return err
	}

	if _, err := workflow.Step(ctx, run, "start-chunk-renders", func(ctx context.Context) (bool, error) {
		return true, o.parallel.StartAll(ctx, chunkIDs, plan, o.cfg.RenderTimeoutSeconds)
	}); err != nil {
		return err
	}

	var done bool
	for i := 0; i < o.cfg.MaxPolls; i++ {
		agg, err := workflow.Step(ctx, run, fmt.Sprintf("poll-%04d", i), func(ctx context.Context) (render.Aggregate, error) {
			origin, err := o.connect(ctx, req.SandboxID)
			if err != nil {
				return render.Aggregate{}, err
			}
			return o.parallel.PollAll(ctx, origin, chunkIDs, plan, fr)
		})
		if err != nil {
			return err
		}
		if agg.Cancelled {
			o.parallel.KillAll(ctx, chunkIDs)
			e := errors.Newf(errors.CodeRenderCancelled,
				"chunk %d reported cancellation", agg.CancelledChunk)
			if agg.FailureLog != "" {
				e = e.WithField("worker_log", agg.FailureLog)
			}
			return e
		}
		if agg.Failed {
			o.parallel.KillAll(ctx, chunkIDs)
			return render.ClassifyFailure(agg.FailureLog,
				fmt.Sprintf("chunk %d render process exited before completing", agg.FailedChunk))
		}
		if agg.Done {
			done = true
			break
		}
		if err := run.Sleep(ctx, fmt.Sprintf("poll-sleep-%04d", i), o.cfg.PollInterval); err != nil {
			return err
		}
	}
	if !done {
		o.parallel.KillAll(ctx, chunkIDs)
		return errors.Newf(errors.CodeRenderStuck,
			"parallel render did not finish within %d polls", o.cfg.MaxPolls)
	}

	_, err = workflow.Step(ctx, run, "merge-chunks", func(ctx context.Context) (bool, error) {
		origin, err := o.connect(ctx, req.SandboxID)
		if err != nil {
			return false, err
		}
		return true, o.parallel.Merge(ctx, origin, chunkIDs, plan, fr)
	})
	return err
}

func (o *Orchestrator) persistArtifact(ctx context.Context, sandboxID string, data []byte) (Result, error) {
	key := fmt.Sprintf("renders/%s/output.mp4", sandboxID)

	if o.storage != nil {
		out, err := o.storage.PutObject(ctx, ports.PutObjectInput{
			ObjectKey:   key,
			ContentType: "video/mp4",
			Reader:      bytesReader(data),
			Size:        int64(len(data)),
		})
		if err != nil {
			return Result{}, errors.Wrap(err, "orchestrator.persist", "failed to upload artifact")
		}
		res := Result{ObjectKey: out.ObjectKey, Provider: o.storage.Provider(), Size: int64(len(data))}
		if signed, err := o.storage.GetSignedURL(ctx, out.ObjectKey, 24*time.Hour); err == nil {
			res.VideoURL = signed.URL
		}
		return res, nil
	}

	if o.cfg.ArtifactDir != "" {
		path, err := writeLocalArtifact(o.cfg.ArtifactDir, key, data)
		if err != nil {
			return Result{}, errors.Wrap(err, "orchestrator.persist", "failed to write local artifact")
		}
		return Result{ObjectKey: path, Provider: "local", Size: int64(len(data))}, nil
	}

	// A finished render with nowhere to go is a hard failure, never a
	// silent drop.
	return Result{}, errors.New(errors.CodeNoStorage, "no storage provider or artifact directory configured")
}

func (o *Orchestrator) cancelledError(ctx context.Context, sandboxID string) error {
	excerpt := ""
	if h, err := o.connect(ctx, sandboxID); err == nil {
		excerpt = o.driver.ErrorLogExcerpt(ctx, h, render.StderrLogPath)
	}
	e := errors.New(errors.CodeRenderCancelled, "render was cancelled by the worker")
	if excerpt != "" {
		e = e.WithField("worker_log", excerpt)
	}
	return e
}

func (o *Orchestrator) connect(ctx context.Context, sandboxID string) (sandbox.Handle, error) {
	h, err := o.sandboxes.Connect(ctx, sandboxID, o.cfg.ConnectTimeout)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable,
			"orchestrator.connect", "failed to connect to sandbox "+sandboxID)
	}
	return h, nil
}

func (o *Orchestrator) killOrigin(ctx context.Context, sandboxID string) {
	h, err := o.sandboxes.Connect(ctx, sandboxID, 30*time.Second)
	if err != nil {
		o.log.Warn("origin cleanup connect failed", "sandbox_id", sandboxID, "error", err.Error())
		return
	}
	if err := h.Kill(ctx); err != nil {
		o.log.Warn("origin cleanup kill failed", "sandbox_id", sandboxID, "error", err.Error())
	}
}
