package render

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"blendfarm/internal/pkg/errors"
	"blendfarm/internal/pkg/logger"
	"blendfarm/internal/sandbox"
)

// ErrorLogExcerptLen bounds how much of a sandbox error log is attached to a
// failure message.
const ErrorLogExcerptLen = 2000

// StartOptions configures one background render pass on a sandbox.
type StartOptions struct {
	ScriptPath     string
	ScenePath      string
	TimeoutSeconds int
	// Env carries START_FRAME / END_FRAME / OUTPUT_PATH / PROGRESS_PATH
	// overrides for chunk renders. Nil for a whole-scene pass.
	Env       map[string]string
	StdoutLog string
	StderrLog string
}

// PollTarget names the files one poll inspects.
type PollTarget struct {
	OutputDir    string `json:"output_dir"`
	OutputName   string `json:"output_name"`
	ProgressPath string `json:"progress_path"`
	StderrLog    string `json:"stderr_log"`
}

// OriginPollTarget is the default target for a whole-scene render.
func OriginPollTarget() PollTarget {
	return PollTarget{
		OutputDir:    OutputDir,
		OutputName:   OutputName,
		ProgressPath: ProgressPath,
		StderrLog:    StderrLogPath,
	}
}

// Snapshot is the observable render state at one poll. It serializes cleanly
// so a durable workflow step can memoize it.
type Snapshot struct {
	Progress      *Progress `json:"progress,omitempty"`
	ArtifactReady bool      `json:"artifact_ready"`
	// ProcessExited is set when the detached render has written its exit-code
	// sentinel to the stderr log without reaching a terminal state: the
	// process died without an artifact and the run must fail now instead of
	// polling until the cap.
	ProcessExited bool   `json:"process_exited,omitempty"`
	StderrExcerpt string `json:"stderr_excerpt,omitempty"`
}

// Terminal reports whether the pass is finished. The artifact's existence is
// authoritative even when the progress document lags behind.
func (s Snapshot) Terminal() bool {
	if s.ArtifactReady {
		return true
	}
	return s.Progress != nil && s.Progress.Status == StatusCompleted
}

// Cancelled reports a worker-side cancellation signal.
func (s Snapshot) Cancelled() bool {
	return s.Progress != nil && s.Progress.Status == StatusCancelled
}

// Driver runs one rendering pass end-to-end inside one sandbox: stage the
// script, start Blender detached, poll the progress file and output
// directory, fetch the artifact.
type Driver struct {
	log *logger.Logger
}

func NewDriver(log *logger.Logger) *Driver {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Driver{log: log.WithComponent("render.driver")}
}

// StageScript uploads a render script to its fixed path on the sandbox.
func (d *Driver) StageScript(ctx context.Context, h sandbox.Handle, path string, body []byte) error {
	if err := h.WriteFile(ctx, path, body); err != nil {
		return errors.Wrap(err, "render.stage", "failed to stage script "+path)
	}
	return nil
}

// StartBackground launches the render as a detached process and returns its
// pid. The caller's command slot returns immediately; stdout/stderr land in
// log files on the sandbox for post-mortem reads.
func (d *Driver) StartBackground(ctx context.Context, h sandbox.Handle, opts StartOptions) (int, error) {
	cmd := BuildRenderCommand(opts.ScriptPath, opts.ScenePath, CommandOptions{
		TimeoutSeconds:  opts.TimeoutSeconds,
		Background:      true,
		FactoryStartup:  true,
		DisableAutoExec: true,
		Env:             opts.Env,
		StdoutLog:       opts.StdoutLog,
		StderrLog:       opts.StderrLog,
	})

	res, err := h.RunCommand(ctx, cmd, 60*time.Second)
	if err != nil {
		return 0, errors.Wrap(err, "render.start", "failed to start render process")
	}

	pid, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		return 0, errors.Newf(errors.CodeInternal, "render start did not return a pid: %q", strings.TrimSpace(res.Stdout))
	}

	d.log.WithSandboxID(h.ID()).Info("render started", "pid", pid)
	return pid, nil
}

// Poll takes one snapshot of the render state: whether the output artifact
// exists, and whatever the progress document currently says. A missing or
// partially-written progress file is "no data yet", not an error.
func (d *Driver) Poll(ctx context.Context, h sandbox.Handle, target PollTarget) (Snapshot, error) {
	var snap Snapshot

	entries, err := h.ListDir(ctx, target.OutputDir)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "render.poll", "failed to list output directory")
	}
	for _, e := range entries {
		if e.Name == target.OutputName {
			snap.ArtifactReady = true
			break
		}
	}

	data, err := h.ReadFile(ctx, target.ProgressPath)
	if err == nil {
		if p, ok := ParseProgress(data); ok {
			snap.Progress = p
		}
	}

	// The exit codes are masked by the command wrapper, so the sentinel in the
	// stderr log is the only sign the detached process already died. A missing
	// log just means the render is still warming up.
	if !snap.Terminal() && target.StderrLog != "" {
		if log, err := h.ReadFile(ctx, target.StderrLog); err == nil {
			text := string(log)
			if _, _, found := StripExitCode(text); found {
				snap.ProcessExited = true
			}
			if snap.ProcessExited || snap.Cancelled() {
				// The crash line, result marker and sentinel all sit at the
				// end of the log, so the tail is what classification needs.
				snap.StderrExcerpt = tail(text, ErrorLogExcerptLen)
			}
		}
	}

	return snap, nil
}

// FetchArtifact reads the finished output file.
func (d *Driver) FetchArtifact(ctx context.Context, h sandbox.Handle, path string) ([]byte, error) {
	data, err := h.ReadFile(ctx, path)
	if err != nil {
		return nil, errors.Wrap(err, "render.fetch", "failed to read output artifact")
	}
	if len(data) == 0 {
		return nil, errors.New(errors.CodeInternal, "output artifact is empty")
	}
	return data, nil
}

// ErrorLogExcerpt reads the head of a log file on the sandbox, bounded, for
// attaching to failure messages. Best-effort: a read error yields "".
func (d *Driver) ErrorLogExcerpt(ctx context.Context, h sandbox.Handle, path string) string {
	data, err := h.ReadFile(ctx, path)
	if err != nil {
		return ""
	}
	text := string(data)
	if len(text) > ErrorLogExcerptLen {
		text = text[:ErrorLogExcerptLen]
	}
	return text
}

// InspectFrameRange runs the frame-inspection script in the foreground and
// decodes its JSON marker. The transport timeout is disabled; the in-command
// timeout is the only wall clock.
func (d *Driver) InspectFrameRange(ctx context.Context, h sandbox.Handle, timeoutSeconds int) (FrameRange, error) {
	cmd := BuildRenderCommand(InspectScriptPath, ScenePath, CommandOptions{
		TimeoutSeconds:  timeoutSeconds,
		FactoryStartup:  true,
		DisableAutoExec: true,
	})

	res, err := h.RunCommand(ctx, cmd, 0)
	if err != nil {
		return FrameRange{}, errors.Wrap(err, "render.inspect", "frame inspection command failed")
	}

	combined := res.Stderr + "\n" + res.Stdout
	fr, scriptErr, ok := ParseFrameRange(combined)
	if !ok {
		return FrameRange{}, classify(combined, "frame inspection produced no result")
	}
	if scriptErr != "" {
		return FrameRange{}, errors.New(errors.CodeRenderFailed, "frame inspection failed: "+scriptErr)
	}
	return fr, nil
}

// ClassifyFailure turns raw command output into the right failure category.
// Crash signatures win over timeout signatures: the wrapper masks exit codes,
// so a segfault can surface with exit 0 and must not read as a timeout.
func ClassifyFailure(output string, message string) *errors.Error {
	return classify(output, message)
}

func classify(output, message string) *errors.Error {
	_, exitCode, _ := StripExitCode(output)
	switch {
	case LooksLikeCrash(output):
		return errors.New(errors.CodeRenderCrash,
			message+": the render process crashed; the scene file is likely structurally incompatible")
	case LooksLikeTimeout(output, exitCode):
		return errors.New(errors.CodeRenderTimeout,
			message+": the render exceeded its wall-clock cap; reduce the frame range or raise the timeout")
	default:
		if result, ok := ParseResult(output); ok && !result.Success {
			return errors.Newf(errors.CodeRenderFailed, "%s: %s: %s", message, result.ErrorType, result.Error)
		}
		return errors.Newf(errors.CodeRenderFailed, "%s (exit code %d)", message, exitCode)
	}
}

// chunkEnv builds the environment overrides that confine one render pass to a
// chunk's sub-range.
func chunkEnv(c Chunk) map[string]string {
	return map[string]string{
		"START_FRAME":   fmt.Sprintf("%d", c.FrameStart),
		"END_FRAME":     fmt.Sprintf("%d", c.FrameEnd),
		"OUTPUT_PATH":   OutputPath,
		"PROGRESS_PATH": ProgressPath,
	}
}
