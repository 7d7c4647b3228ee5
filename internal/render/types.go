// Package render implements the Blender render pipeline primitives: the
// progress/result decoding, the shell command construction, the single-sandbox
// render driver and the parallel split/merge driver.
package render

import "math"

// Well-known paths inside a render sandbox. The scene file is uploaded to
// ScenePath before a run is enqueued; everything else is produced by the
// staged scripts.
const (
	ScenePath         = "/tmp/uploaded.blend"
	RenderScriptPath  = "/tmp/render_mp4.py"
	InspectScriptPath = "/tmp/extract_frames.py"
	OutputDir         = "/tmp"
	OutputName        = "output.mp4"
	OutputPath        = OutputDir + "/" + OutputName
	ProgressPath      = "/tmp/render_progress.json"
	StdoutLogPath     = "/tmp/render_stdout.log"
	StderrLogPath     = "/tmp/render_stderr.log"
	ConcatListPath    = "/tmp/concat_list.txt"
)

// DefaultFPS is assumed when the scene does not report one.
const DefaultFPS = 24

// Progress status values written by the in-sandbox render script.
const (
	StatusRendering = "rendering"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Request describes one render job. Immutable once the workflow starts.
type Request struct {
	SandboxID   string      `json:"sandbox_id"`
	FrameRange  *FrameRange `json:"frame_range,omitempty"`
	Parallelism int         `json:"parallelism,omitempty"`
}

// FrameRange is the inclusive frame span of an animation.
type FrameRange struct {
	Start int     `json:"start"`
	End   int     `json:"end"`
	Count int     `json:"count"`
	FPS   float64 `json:"fps"`
}

// Valid reports whether the range can drive a render.
func (f FrameRange) Valid() bool {
	return f.End >= f.Start && (f.Count == 0 || f.Count == f.End-f.Start+1)
}

// Normalized derives the count from the span when absent and fills in the
// default FPS.
func (f FrameRange) Normalized() FrameRange {
	out := f
	out.Count = f.End - f.Start + 1
	if out.FPS <= 0 {
		out.FPS = DefaultFPS
	}
	return out
}

// Progress mirrors the progress document the render script writes, and the
// aggregate document the parallel driver synthesizes on the origin sandbox.
type Progress struct {
	Status       string  `json:"status"`
	FrameStart   int     `json:"frameStart"`
	FrameEnd     int     `json:"frameEnd"`
	FrameCount   int     `json:"frameCount"`
	CurrentFrame int     `json:"currentFrame"`
	FramesDone   int     `json:"framesDone"`
	StartedAt    float64 `json:"startedAt"`
	UpdatedAt    float64 `json:"updatedAt"`
}

// Percent returns render completion in [0,100].
func (p Progress) Percent() float64 {
	if p.FrameCount <= 0 {
		return 0
	}
	pct := float64(p.FramesDone) / float64(p.FrameCount) * 100
	return math.Min(100, math.Max(0, pct))
}

// Result is the final verdict of one render pass, decoded from the script's
// JSON result marker.
type Result struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	ErrorType  string `json:"error_type,omitempty"`
	OutputPath string `json:"output_path,omitempty"`
}

// Chunk is a contiguous sub-range of the frame range, rendered by exactly one
// sandbox in parallel mode.
type Chunk struct {
	Index      int `json:"index"`
	FrameStart int `json:"frame_start"`
	FrameEnd   int `json:"frame_end"`
}

// Frames returns the number of frames the chunk covers.
func (c Chunk) Frames() int {
	return c.FrameEnd - c.FrameStart + 1
}
