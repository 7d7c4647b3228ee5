package render

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"blendfarm/internal/pkg/errors"
	"blendfarm/internal/pkg/logger"
	"blendfarm/internal/sandbox"
)

// ffmpeg invocations for the merge step. Stream copy first; if the tool
// rejects the concat for any reason, one re-encode attempt follows.
const (
	concatCopyCommand   = "ffmpeg -y -f concat -safe 0 -i %s -c copy %s"
	concatEncodeCommand = "ffmpeg -y -f concat -safe 0 -i %s -c:v libx264 -preset medium -crf 18 -pix_fmt yuv420p %s"
	mergeTimeout        = 15 * time.Minute
)

// ParallelDriver fans a frame range out over one sandbox per chunk and merges
// the partial outputs back into one file on the origin sandbox.
type ParallelDriver struct {
	client        sandbox.Client
	driver        *Driver
	templateID    string
	createTimeout time.Duration
	log           *logger.Logger
}

func NewParallelDriver(client sandbox.Client, driver *Driver, templateID string, log *logger.Logger) *ParallelDriver {
	if log == nil {
		log = logger.NewDefault()
	}
	return &ParallelDriver{
		client:        client,
		driver:        driver,
		templateID:    templateID,
		createTimeout: 2 * time.Minute,
		log:           log.WithComponent("render.parallel"),
	}
}

// Provision creates one fresh sandbox per chunk and copies the scene file and
// render script into each. Chunk sandboxes share nothing with the origin, so
// the bytes are duplicated rather than mounted. Returns sandbox ids ordered
// by chunk index.
func (p *ParallelDriver) Provision(ctx context.Context, origin sandbox.Handle, plan []Chunk) ([]string, error) {
	scene, err := origin.ReadFile(ctx, ScenePath)
	if err != nil {
		return nil, errors.Wrap(err, "parallel.provision", "failed to read scene from origin sandbox")
	}
	script, err := origin.ReadFile(ctx, RenderScriptPath)
	if err != nil {
		return nil, errors.Wrap(err, "parallel.provision", "failed to read render script from origin sandbox")
	}

	ids := make([]string, len(plan))
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range plan {
		g.Go(func() error {
			h, err := p.client.Create(gctx, p.templateID, p.createTimeout)
			if err != nil {
				return errors.Wrapf(err, "parallel.provision", "failed to create sandbox for chunk %d", c.Index)
			}
			if err := h.WriteFile(gctx, ScenePath, scene); err != nil {
				return errors.Wrapf(err, "parallel.provision", "failed to copy scene to chunk %d", c.Index)
			}
			if err := h.WriteFile(gctx, RenderScriptPath, script); err != nil {
				return errors.Wrapf(err, "parallel.provision", "failed to copy script to chunk %d", c.Index)
			}
			ids[c.Index] = h.ID()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	p.log.Info("chunk sandboxes provisioned", "chunks", len(plan))
	return ids, nil
}

// StartAll launches one detached render per chunk, each confined to its
// sub-range via environment overrides.
func (p *ParallelDriver) StartAll(ctx context.Context, ids []string, plan []Chunk, timeoutSeconds int) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range plan {
		g.Go(func() error {
			h, err := p.client.Connect(gctx, ids[c.Index], p.createTimeout)
			if err != nil {
				return errors.Wrapf(err, "parallel.start", "failed to connect to chunk %d sandbox", c.Index)
			}
			_, err = p.driver.StartBackground(gctx, h, StartOptions{
				ScriptPath:     RenderScriptPath,
				ScenePath:      ScenePath,
				TimeoutSeconds: timeoutSeconds,
				Env:            chunkEnv(c),
			})
			return err
		})
	}
	return g.Wait()
}

// Aggregate is the unified view over all chunk renders for one poll cycle.
type Aggregate struct {
	FramesDone     int     `json:"frames_done"`
	FrameCount     int     `json:"frame_count"`
	Percent        float64 `json:"percent"`
	Done           bool    `json:"done"`
	Cancelled      bool    `json:"cancelled"`
	CancelledChunk int     `json:"cancelled_chunk,omitempty"`
	// Failed marks a chunk whose render process died without producing an
	// artifact; FailureLog carries that chunk's stderr tail for
	// classification.
	Failed      bool   `json:"failed"`
	FailedChunk int    `json:"failed_chunk,omitempty"`
	FailureLog  string `json:"failure_log,omitempty"`
}

// PollAll queries every chunk's progress concurrently, folds the results into
// one Aggregate, and writes a synthesized progress document onto the origin
// sandbox so status readers see a single view regardless of mode. The
// orchestrator is the only writer of that document.
func (p *ParallelDriver) PollAll(ctx context.Context, origin sandbox.Handle, ids []string, plan []Chunk, fr FrameRange) (Aggregate, error) {
	snaps := make([]Snapshot, len(plan))
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range plan {
		g.Go(func() error {
			h, err := p.client.Connect(gctx, ids[c.Index], p.createTimeout)
			if err != nil {
				return errors.Wrapf(err, "parallel.poll", "failed to connect to chunk %d sandbox", c.Index)
			}
			snap, err := p.driver.Poll(gctx, h, OriginPollTarget())
			if err != nil {
				return err
			}
			snaps[c.Index] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Aggregate{}, err
	}

	agg := Aggregate{FrameCount: fr.Count, Done: true}
	for i, snap := range snaps {
		switch {
		case snap.Cancelled():
			agg.Cancelled = true
			agg.CancelledChunk = i
			agg.FailureLog = snap.StderrExcerpt
			agg.Done = false
		case snap.Terminal():
			// A finished chunk counts in full even if its progress
			// document lags behind the artifact.
			agg.FramesDone += plan[i].Frames()
		case snap.ProcessExited:
			if !agg.Failed {
				agg.Failed = true
				agg.FailedChunk = i
				agg.FailureLog = snap.StderrExcerpt
			}
			agg.Done = false
		default:
			agg.Done = false
			if snap.Progress != nil {
				agg.FramesDone += snap.Progress.FramesDone
			}
		}
	}

	// A transiently garbled chunk progress file reads as zero frames for that
	// cycle. The previous synthesized document is the floor, so the aggregate
	// never moves backwards.
	if data, err := origin.ReadFile(ctx, ProgressPath); err == nil {
		if prev, ok := ParseProgress(data); ok && prev.Status == StatusRendering && prev.FramesDone > agg.FramesDone {
			agg.FramesDone = prev.FramesDone
		}
	}

	if agg.FrameCount > 0 {
		agg.Percent = float64(agg.FramesDone) / float64(agg.FrameCount) * 100
		if agg.Percent > 100 {
			agg.Percent = 100
		}
	}

	p.writeAggregateProgress(ctx, origin, fr, agg, StatusRendering)
	return agg, nil
}

// writeAggregateProgress synthesizes the unified progress document on the
// origin sandbox. Best-effort: a write failure must not fail the poll.
func (p *ParallelDriver) writeAggregateProgress(ctx context.Context, origin sandbox.Handle, fr FrameRange, agg Aggregate, status string) {
	now := float64(time.Now().Unix())
	doc := Progress{
		Status:       status,
		FrameStart:   fr.Start,
		FrameEnd:     fr.End,
		FrameCount:   fr.Count,
		CurrentFrame: fr.Start + agg.FramesDone,
		FramesDone:   agg.FramesDone,
		StartedAt:    now,
		UpdatedAt:    now,
	}
	if doc.CurrentFrame > fr.End {
		doc.CurrentFrame = fr.End
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return
	}
	if err := origin.WriteFile(ctx, ProgressPath, data); err != nil {
		p.log.Warn("failed to write aggregate progress", "error", err.Error())
	}
}

// Merge copies every chunk artifact back onto the origin sandbox, builds a
// concat manifest in chunk-index order and concatenates without re-encoding;
// if the stream copy is rejected, one re-encode pass follows. Chunk sandboxes
// are terminated best-effort afterwards.
func (p *ParallelDriver) Merge(ctx context.Context, origin sandbox.Handle, ids []string, plan []Chunk, fr FrameRange) error {
	var manifest strings.Builder
	for _, c := range plan {
		h, err := p.client.Connect(ctx, ids[c.Index], p.createTimeout)
		if err != nil {
			return errors.Wrapf(err, "parallel.merge", "failed to connect to chunk %d sandbox", c.Index)
		}
		data, err := p.driver.FetchArtifact(ctx, h, OutputPath)
		if err != nil {
			return errors.Wrapf(err, "parallel.merge", "failed to fetch chunk %d artifact", c.Index)
		}
		chunkPath := fmt.Sprintf("/tmp/chunk_%d.mp4", c.Index)
		if err := origin.WriteFile(ctx, chunkPath, data); err != nil {
			return errors.Wrapf(err, "parallel.merge", "failed to copy chunk %d artifact to origin", c.Index)
		}
		fmt.Fprintf(&manifest, "file '%s'\n", chunkPath)
	}

	if err := origin.WriteFile(ctx, ConcatListPath, []byte(manifest.String())); err != nil {
		return errors.Wrap(err, "parallel.merge", "failed to write concat manifest")
	}

	copyCmd := fmt.Sprintf(concatCopyCommand, ConcatListPath, OutputPath)
	res, err := origin.RunCommand(ctx, copyCmd, mergeTimeout)
	if err != nil || res.ExitCode != 0 {
		p.log.Warn("stream-copy concat rejected, re-encoding",
			"exit_code", res.ExitCode,
			"stderr", tail(res.Stderr, 500),
		)
		encodeCmd := fmt.Sprintf(concatEncodeCommand, ConcatListPath, OutputPath)
		res, err = origin.RunCommand(ctx, encodeCmd, mergeTimeout)
		if err != nil {
			return errors.Wrap(err, "parallel.merge", "re-encode concatenation failed")
		}
		if res.ExitCode != 0 {
			return errors.Newf(errors.CodeRenderFailed, "re-encode concatenation failed (exit %d): %s",
				res.ExitCode, tail(res.Stderr, 500))
		}
	}

	done := Aggregate{FramesDone: fr.Count, FrameCount: fr.Count, Percent: 100, Done: true}
	p.writeAggregateProgress(ctx, origin, fr, done, StatusCompleted)

	p.KillAll(ctx, ids)
	return nil
}

// KillAll terminates every chunk sandbox, swallowing failures: the merged
// artifact is the source of truth, not the chunk workers' lifecycle.
func (p *ParallelDriver) KillAll(ctx context.Context, ids []string) {
	for i, id := range ids {
		h, err := p.client.Connect(ctx, id, 30*time.Second)
		if err != nil {
			p.log.Warn("failed to connect for chunk teardown", "chunk", i, "error", err.Error())
			continue
		}
		if err := h.Kill(ctx); err != nil {
			p.log.Warn("failed to terminate chunk sandbox", "chunk", i, "error", err.Error())
		}
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
