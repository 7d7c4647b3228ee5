package render

import (
	"context"
	"strings"
	"testing"
	"time"

	"blendfarm/internal/pkg/errors"
	"blendfarm/internal/sandbox"
)

// fakeHandle is an in-memory sandbox.Handle. Commands are answered from a
// script of canned results keyed by substring match.
type fakeHandle struct {
	id       string
	files    map[string][]byte
	commands []fakeCommand
	ran      []string
	killed   bool
}

type fakeCommand struct {
	match string
	res   sandbox.CommandResult
	err   error
}

func newFakeHandle(id string) *fakeHandle {
	return &fakeHandle{id: id, files: make(map[string][]byte)}
}

func (f *fakeHandle) ID() string { return f.id }

func (f *fakeHandle) WriteFile(_ context.Context, path string, data []byte) error {
	f.files[path] = data
	return nil
}

func (f *fakeHandle) ReadFile(_ context.Context, path string) ([]byte, error) {
	data, ok := f.files[path]
	if !ok {
		return nil, errors.NotFound("file", path)
	}
	return data, nil
}

func (f *fakeHandle) ListDir(_ context.Context, dir string) ([]sandbox.Entry, error) {
	var entries []sandbox.Entry
	prefix := strings.TrimSuffix(dir, "/") + "/"
	for path := range f.files {
		if strings.HasPrefix(path, prefix) {
			rest := strings.TrimPrefix(path, prefix)
			if !strings.Contains(rest, "/") {
				entries = append(entries, sandbox.Entry{Name: rest, Type: "file"})
			}
		}
	}
	return entries, nil
}

func (f *fakeHandle) RunCommand(_ context.Context, command string, _ time.Duration) (sandbox.CommandResult, error) {
	f.ran = append(f.ran, command)
	for _, c := range f.commands {
		if strings.Contains(command, c.match) {
			return c.res, c.err
		}
	}
	return sandbox.CommandResult{}, nil
}

func (f *fakeHandle) Kill(_ context.Context) error {
	f.killed = true
	return nil
}

func TestStageScript(t *testing.T) {
	h := newFakeHandle("sbx-1")
	d := NewDriver(nil)

	if err := d.StageScript(context.Background(), h, RenderScriptPath, []byte("print('hi')")); err != nil {
		t.Fatal(err)
	}
	if string(h.files[RenderScriptPath]) != "print('hi')" {
		t.Error("script not staged at the expected path")
	}
}

func TestStartBackground(t *testing.T) {
	t.Run("returns pid", func(t *testing.T) {
		h := newFakeHandle("sbx-1")
		h.commands = []fakeCommand{
			{match: "nohup", res: sandbox.CommandResult{ExitCode: 0, Stdout: "4711\n"}},
		}
		d := NewDriver(nil)

		pid, err := d.StartBackground(context.Background(), h, StartOptions{
			ScriptPath:     RenderScriptPath,
			ScenePath:      ScenePath,
			TimeoutSeconds: 600,
		})
		if err != nil {
			t.Fatal(err)
		}
		if pid != 4711 {
			t.Errorf("pid = %d, want 4711", pid)
		}
		if len(h.ran) != 1 || !strings.HasPrefix(h.ran[0], "nohup sh -c '") {
			t.Errorf("unexpected command: %v", h.ran)
		}
	})

	t.Run("garbage pid is an error", func(t *testing.T) {
		h := newFakeHandle("sbx-1")
		h.commands = []fakeCommand{
			{match: "nohup", res: sandbox.CommandResult{Stdout: "sh: blender: not found"}},
		}
		d := NewDriver(nil)

		if _, err := d.StartBackground(context.Background(), h, StartOptions{
			ScriptPath: RenderScriptPath,
			ScenePath:  ScenePath,
		}); err == nil {
			t.Fatal("expected an error for a non-numeric pid")
		}
	})
}

func TestPoll(t *testing.T) {
	ctx := context.Background()
	d := NewDriver(nil)
	target := OriginPollTarget()

	t.Run("nothing yet", func(t *testing.T) {
		h := newFakeHandle("sbx-1")
		snap, err := d.Poll(ctx, h, target)
		if err != nil {
			t.Fatal(err)
		}
		if snap.ArtifactReady || snap.Progress != nil || snap.Terminal() {
			t.Errorf("expected empty snapshot, got %+v", snap)
		}
	})

	t.Run("progress without artifact", func(t *testing.T) {
		h := newFakeHandle("sbx-1")
		h.files[ProgressPath] = []byte(`{"status":"rendering","frameCount":48,"framesDone":10}`)
		snap, err := d.Poll(ctx, h, target)
		if err != nil {
			t.Fatal(err)
		}
		if snap.ArtifactReady || snap.Progress == nil || snap.Terminal() {
			t.Errorf("unexpected snapshot: %+v", snap)
		}
		if snap.Progress.FramesDone != 10 {
			t.Errorf("FramesDone = %d", snap.Progress.FramesDone)
		}
	})

	t.Run("artifact is authoritative", func(t *testing.T) {
		h := newFakeHandle("sbx-1")
		h.files[OutputPath] = []byte("mp4")
		// Progress document lags behind.
		h.files[ProgressPath] = []byte(`{"status":"rendering","frameCount":48,"framesDone":47}`)
		snap, err := d.Poll(ctx, h, target)
		if err != nil {
			t.Fatal(err)
		}
		if !snap.ArtifactReady || !snap.Terminal() {
			t.Errorf("artifact on disk must be terminal: %+v", snap)
		}
	})

	t.Run("corrupt progress is no data", func(t *testing.T) {
		h := newFakeHandle("sbx-1")
		h.files[ProgressPath] = []byte(`{"status":"rende`)
		snap, err := d.Poll(ctx, h, target)
		if err != nil {
			t.Fatal(err)
		}
		if snap.Progress != nil {
			t.Errorf("corrupt progress must be ignored: %+v", snap)
		}
	})

	t.Run("cancelled status", func(t *testing.T) {
		h := newFakeHandle("sbx-1")
		h.files[ProgressPath] = []byte(`{"status":"cancelled","frameCount":48,"framesDone":3}`)
		snap, err := d.Poll(ctx, h, target)
		if err != nil {
			t.Fatal(err)
		}
		if !snap.Cancelled() {
			t.Errorf("expected cancellation: %+v", snap)
		}
	})

	t.Run("dead process detected via stderr sentinel", func(t *testing.T) {
		h := newFakeHandle("sbx-1")
		h.files[ProgressPath] = []byte(`{"status":"rendering","frameCount":48,"framesDone":7}`)
		h.files[StderrLogPath] = []byte("Segmentation fault (core dumped)\n" +
			`{"success": false, "error": "Blender crashed", "error_type": "SIGSEGV"}` + "\nEXIT_CODE:139")
		snap, err := d.Poll(ctx, h, target)
		if err != nil {
			t.Fatal(err)
		}
		if !snap.ProcessExited {
			t.Fatalf("sentinel in the stderr log must mark the process dead: %+v", snap)
		}
		if !strings.Contains(snap.StderrExcerpt, "Segmentation fault") {
			t.Errorf("excerpt missing the crash line: %q", snap.StderrExcerpt)
		}
		if snap.Terminal() {
			t.Error("a dead process without an artifact is not terminal")
		}
	})

	t.Run("stderr without sentinel is still running", func(t *testing.T) {
		h := newFakeHandle("sbx-1")
		h.files[ProgressPath] = []byte(`{"status":"rendering","frameCount":48,"framesDone":7}`)
		h.files[StderrLogPath] = []byte("Warning: color management mismatch\n")
		snap, err := d.Poll(ctx, h, target)
		if err != nil {
			t.Fatal(err)
		}
		if snap.ProcessExited || snap.StderrExcerpt != "" {
			t.Errorf("warnings alone must not mark the process dead: %+v", snap)
		}
	})

	t.Run("sentinel with artifact stays terminal", func(t *testing.T) {
		h := newFakeHandle("sbx-1")
		h.files[OutputPath] = []byte("mp4")
		h.files[StderrLogPath] = []byte("EXIT_CODE:0")
		snap, err := d.Poll(ctx, h, target)
		if err != nil {
			t.Fatal(err)
		}
		if !snap.Terminal() || snap.ProcessExited {
			t.Errorf("a clean exit with the artifact on disk is success: %+v", snap)
		}
	})

	t.Run("stderr excerpt keeps the tail", func(t *testing.T) {
		h := newFakeHandle("sbx-1")
		h.files[StderrLogPath] = []byte(strings.Repeat("w", ErrorLogExcerptLen+500) + "\nEXIT_CODE:139")
		snap, err := d.Poll(ctx, h, target)
		if err != nil {
			t.Fatal(err)
		}
		if len(snap.StderrExcerpt) != ErrorLogExcerptLen {
			t.Errorf("excerpt length = %d, want %d", len(snap.StderrExcerpt), ErrorLogExcerptLen)
		}
		if !strings.HasSuffix(snap.StderrExcerpt, "EXIT_CODE:139") {
			t.Error("excerpt must keep the end of the log where the sentinel sits")
		}
	})
}

func TestFetchArtifact(t *testing.T) {
	ctx := context.Background()
	d := NewDriver(nil)

	h := newFakeHandle("sbx-1")
	h.files[OutputPath] = []byte("video-bytes")

	data, err := d.FetchArtifact(ctx, h, OutputPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "video-bytes" {
		t.Errorf("data = %q", data)
	}

	if _, err := d.FetchArtifact(ctx, h, "/tmp/missing.mp4"); err == nil {
		t.Error("expected an error for a missing artifact")
	}

	h.files["/tmp/empty.mp4"] = nil
	if _, err := d.FetchArtifact(ctx, h, "/tmp/empty.mp4"); err == nil {
		t.Error("expected an error for an empty artifact")
	}
}

func TestErrorLogExcerpt(t *testing.T) {
	ctx := context.Background()
	d := NewDriver(nil)
	h := newFakeHandle("sbx-1")

	if got := d.ErrorLogExcerpt(ctx, h, StderrLogPath); got != "" {
		t.Errorf("missing log must yield empty excerpt, got %q", got)
	}

	h.files[StderrLogPath] = []byte(strings.Repeat("x", ErrorLogExcerptLen+500))
	if got := d.ErrorLogExcerpt(ctx, h, StderrLogPath); len(got) != ErrorLogExcerptLen {
		t.Errorf("excerpt length = %d, want %d", len(got), ErrorLogExcerptLen)
	}
}

func TestInspectFrameRange(t *testing.T) {
	ctx := context.Background()
	d := NewDriver(nil)

	t.Run("clean result", func(t *testing.T) {
		h := newFakeHandle("sbx-1")
		h.commands = []fakeCommand{
			{match: InspectScriptPath, res: sandbox.CommandResult{
				ExitCode: 0,
				Stderr:   "Warning: blah\n{\"frame_start\": 1, \"frame_end\": 48, \"frame_count\": 48, \"fps\": 30}\nEXIT_CODE:0",
			}},
		}

		fr, err := d.InspectFrameRange(ctx, h, 300)
		if err != nil {
			t.Fatal(err)
		}
		want := FrameRange{Start: 1, End: 48, Count: 48, FPS: 30}
		if fr != want {
			t.Errorf("fr = %+v, want %+v", fr, want)
		}
	})

	t.Run("script error", func(t *testing.T) {
		h := newFakeHandle("sbx-1")
		h.commands = []fakeCommand{
			{match: InspectScriptPath, res: sandbox.CommandResult{
				Stderr: `{"error": "corrupt blend", "error_type": "RuntimeError"}` + "\nEXIT_CODE:1",
			}},
		}

		_, err := d.InspectFrameRange(ctx, h, 300)
		if !errors.IsCode(err, errors.CodeRenderFailed) {
			t.Fatalf("err = %v, want RENDER_FAILED", err)
		}
	})

	t.Run("crash output classified", func(t *testing.T) {
		h := newFakeHandle("sbx-1")
		h.commands = []fakeCommand{
			{match: InspectScriptPath, res: sandbox.CommandResult{
				Stderr: "sh: 137 Segmentation fault\nEXIT_CODE:0",
			}},
		}

		_, err := d.InspectFrameRange(ctx, h, 300)
		if !errors.IsCode(err, errors.CodeRenderCrash) {
			t.Fatalf("err = %v, want RENDER_CRASH", err)
		}
	})
}

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		wantCode errors.Code
	}{
		{
			name:     "segfault with masked exit code",
			output:   "sh: line 1: 137 Segmentation fault  blender\nEXIT_CODE:0",
			wantCode: errors.CodeRenderCrash,
		},
		{
			name:     "crash wins over timeout exit code",
			output:   "Aborted (core dumped)\nEXIT_CODE:124",
			wantCode: errors.CodeRenderCrash,
		},
		{
			name:     "timeout exit code",
			output:   "EXIT_CODE:124",
			wantCode: errors.CodeRenderTimeout,
		},
		{
			name:     "terminated phrase",
			output:   "Terminated\nEXIT_CODE:143",
			wantCode: errors.CodeRenderTimeout,
		},
		{
			name:     "script failure marker",
			output:   `{"success": false, "error": "no camera", "error_type": "RuntimeError"}` + "\nEXIT_CODE:1",
			wantCode: errors.CodeRenderFailed,
		},
		{
			name:     "plain nonzero exit",
			output:   "Blender quit\nEXIT_CODE:11",
			wantCode: errors.CodeRenderFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyFailure(tt.output, "render failed")
			if !errors.IsCode(err, tt.wantCode) {
				t.Errorf("code = %v, want %v (err=%v)", errors.GetCode(err), tt.wantCode, err)
			}
		})
	}
}

func TestChunkEnv(t *testing.T) {
	env := chunkEnv(Chunk{Index: 2, FrameStart: 9, FrameEnd: 12})
	if env["START_FRAME"] != "9" || env["END_FRAME"] != "12" {
		t.Errorf("frame overrides wrong: %v", env)
	}
	if env["OUTPUT_PATH"] != OutputPath || env["PROGRESS_PATH"] != ProgressPath {
		t.Errorf("path overrides wrong: %v", env)
	}
}
