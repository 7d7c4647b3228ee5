package render

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// The render scripts emit exactly one JSON object on stderr, but Blender
// interleaves its own warnings and the command wrapper appends an
// EXIT_CODE:<n> sentinel. The decoder digs the object out of that noise and
// never fails hard: a malformed payload is "not found", the caller decides
// the fallback.

var exitCodeRe = regexp.MustCompile(`EXIT_CODE:(-?\d+)`)

// StripExitCode removes every exit-code sentinel from raw and returns the
// cleaned text plus the last sentinel's value, if any was present.
func StripExitCode(raw string) (cleaned string, exitCode int, found bool) {
	matches := exitCodeRe.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return raw, 0, false
	}
	last := matches[len(matches)-1]
	code, err := strconv.Atoi(last[1])
	if err != nil {
		return exitCodeRe.ReplaceAllString(raw, ""), 0, false
	}
	return exitCodeRe.ReplaceAllString(raw, ""), code, true
}

// ExtractJSON finds the first JSON object in raw that contains at least one
// of the hint keys. Exit-code sentinels are stripped first. The fast path
// scans single lines; the slow path walks brace depth so multi-line objects
// are still found. With no hints, any valid object matches.
func ExtractJSON(raw string, hints []string) (json.RawMessage, bool) {
	cleaned, _, _ := StripExitCode(raw)

	for _, line := range strings.Split(cleaned, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") || !strings.HasSuffix(line, "}") {
			continue
		}
		if json.Valid([]byte(line)) && containsHint(line, hints) {
			return json.RawMessage(line), true
		}
	}

	return scanBalanced(cleaned, hints)
}

// scanBalanced walks the text tracking brace depth (string-literal aware) and
// returns the first balanced {...} span that is valid JSON and matches a hint.
func scanBalanced(text string, hints []string) (json.RawMessage, bool) {
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				candidate := text[start : i+1]
				if json.Valid([]byte(candidate)) && containsHint(candidate, hints) {
					return json.RawMessage(candidate), true
				}
				start = -1
			}
		}
	}
	return nil, false
}

func containsHint(candidate string, hints []string) bool {
	if len(hints) == 0 {
		return true
	}
	for _, h := range hints {
		if strings.Contains(candidate, `"`+h+`"`) {
			return true
		}
	}
	return false
}

// Crash signatures. Exit codes are masked by the command wrapper so the text
// itself is the signal; the kernel-style "137 Segmentation fault" lines from
// the shell are covered by the substring match.
var crashSignatures = []string{
	"segmentation fault",
	"core dumped",
	"sigsegv",
	"sigabrt",
	"exception_access_violation",
	"blender crashed",
}

// LooksLikeCrash reports whether the text carries a crash signature.
func LooksLikeCrash(text string) bool {
	lower := strings.ToLower(text)
	for _, sig := range crashSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// TimeoutExitCode is what coreutils timeout(1) reports when the wall clock
// expires.
const TimeoutExitCode = 124

// LooksLikeTimeout reports whether the command was cut off by the wall-clock
// wrapper, either via the conventional exit code or a "terminated" phrase.
// Crash detection takes priority at call sites: a segfault with a masked
// exit code must not be read as a timeout.
func LooksLikeTimeout(text string, exitCode int) bool {
	if exitCode == TimeoutExitCode {
		return true
	}
	lower := strings.ToLower(text)
	return strings.Contains(lower, "terminated") || strings.Contains(lower, "timed out")
}

// ParseProgress decodes a progress document. A missing, truncated or garbled
// document is simply "no progress yet".
func ParseProgress(data []byte) (*Progress, bool) {
	if len(data) == 0 {
		return nil, false
	}
	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false
	}
	if p.Status == "" {
		return nil, false
	}
	return &p, true
}

// ParseResult extracts the render script's result marker from command output.
func ParseResult(raw string) (*Result, bool) {
	obj, ok := ExtractJSON(raw, []string{"success", "error"})
	if !ok {
		return nil, false
	}
	var r Result
	if err := json.Unmarshal(obj, &r); err != nil {
		return nil, false
	}
	return &r, true
}

// frameInspection mirrors the JSON marker emitted by the frame-inspection
// script.
type frameInspection struct {
	FrameStart *int    `json:"frame_start"`
	FrameEnd   *int    `json:"frame_end"`
	FrameCount int     `json:"frame_count"`
	FPS        float64 `json:"fps"`
	Error      string  `json:"error"`
	ErrorType  string  `json:"error_type"`
}

// ParseFrameRange extracts the frame-inspection result from command output.
// The error string is non-empty when the script reported a failure.
func ParseFrameRange(raw string) (fr FrameRange, scriptErr string, ok bool) {
	obj, found := ExtractJSON(raw, []string{"frame_start", "frame_end", "error"})
	if !found {
		return FrameRange{}, "", false
	}
	var fi frameInspection
	if err := json.Unmarshal(obj, &fi); err != nil {
		return FrameRange{}, "", false
	}
	if fi.Error != "" {
		msg := fi.Error
		if fi.ErrorType != "" {
			msg = fi.ErrorType + ": " + msg
		}
		return FrameRange{}, msg, true
	}
	if fi.FrameStart == nil || fi.FrameEnd == nil {
		return FrameRange{}, "", false
	}
	if *fi.FrameEnd < *fi.FrameStart {
		return FrameRange{}, "", false
	}
	fr = FrameRange{Start: *fi.FrameStart, End: *fi.FrameEnd, FPS: fi.FPS}
	return fr.Normalized(), "", true
}
