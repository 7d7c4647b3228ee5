package render

import _ "embed"

// The Python scripts staged onto sandboxes. Both emit exactly one JSON
// object on stderr as their result marker; render_mp4.py additionally keeps
// the progress document updated while it runs.

//go:embed scripts/render_mp4.py
var RenderScript []byte

//go:embed scripts/extract_frames.py
var InspectScript []byte
