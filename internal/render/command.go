package render

import (
	"fmt"
	"sort"
	"strings"
)

// CommandOptions controls how the Blender invocation is wrapped.
type CommandOptions struct {
	// TimeoutSeconds is the hard wall-clock cap enforced by timeout(1) on
	// the sandbox, independent of any transport-level command timeout.
	TimeoutSeconds int
	// Background detaches the process with nohup and prints its pid, so the
	// caller's command slot returns immediately.
	Background bool
	// FactoryStartup skips user preferences and startup files.
	FactoryStartup bool
	// DisableAutoExec blocks auto-running embedded Python in the scene.
	DisableAutoExec bool
	// Env carries frame-range and path overrides for chunk renders
	// (START_FRAME, END_FRAME, OUTPUT_PATH, PROGRESS_PATH).
	Env map[string]string
	// StdoutLog / StderrLog receive the detached process output so it
	// survives for post-mortem reads. Background mode only.
	StdoutLog string
	StderrLog string
}

// BuildRenderCommand constructs the shell invocation for a render script.
//
// The sandbox command API only returns output reliably when the final exit
// status is zero, so the real exit code is recorded as an EXIT_CODE sentinel
// on stderr and the command itself is ended with an always-succeed guard.
// Blender's stdout chatter goes to /dev/null so the JSON result marker on
// stderr stays easy to isolate.
func BuildRenderCommand(scriptPath, scenePath string, opts CommandOptions) string {
	var b strings.Builder

	for _, k := range sortedKeys(opts.Env) {
		fmt.Fprintf(&b, "%s=%s ", k, opts.Env[k])
	}

	if opts.TimeoutSeconds > 0 {
		fmt.Fprintf(&b, "timeout %d ", opts.TimeoutSeconds)
	}

	b.WriteString("blender --background")
	if opts.FactoryStartup {
		b.WriteString(" --factory-startup")
	}
	if opts.DisableAutoExec {
		b.WriteString(" --disable-autoexec")
	}
	fmt.Fprintf(&b, " --python %s -- %s 1>/dev/null", scriptPath, scenePath)

	inner := b.String() + `; ec=$?; echo "EXIT_CODE:$ec" 1>&2`

	if !opts.Background {
		return inner + "; true"
	}

	stdoutLog := opts.StdoutLog
	if stdoutLog == "" {
		stdoutLog = StdoutLogPath
	}
	stderrLog := opts.StderrLog
	if stderrLog == "" {
		stderrLog = StderrLogPath
	}
	return fmt.Sprintf("nohup sh -c '%s' >%s 2>%s & echo $!", inner, stdoutLog, stderrLog)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
