package render

import "testing"

func TestPlanChunks(t *testing.T) {
	tests := []struct {
		name        string
		fr          FrameRange
		parallelism int
		want        []Chunk
	}{
		{
			name:        "even split",
			fr:          FrameRange{Start: 1, End: 12},
			parallelism: 3,
			want: []Chunk{
				{Index: 0, FrameStart: 1, FrameEnd: 4},
				{Index: 1, FrameStart: 5, FrameEnd: 8},
				{Index: 2, FrameStart: 9, FrameEnd: 12},
			},
		},
		{
			name:        "uneven split clips last chunk",
			fr:          FrameRange{Start: 1, End: 10},
			parallelism: 3,
			want: []Chunk{
				{Index: 0, FrameStart: 1, FrameEnd: 4},
				{Index: 1, FrameStart: 5, FrameEnd: 8},
				{Index: 2, FrameStart: 9, FrameEnd: 10},
			},
		},
		{
			name:        "parallelism above frame count",
			fr:          FrameRange{Start: 5, End: 5},
			parallelism: 10,
			want: []Chunk{
				{Index: 0, FrameStart: 5, FrameEnd: 5},
			},
		},
		{
			name:        "parallelism below one treated as one",
			fr:          FrameRange{Start: 1, End: 4},
			parallelism: 0,
			want: []Chunk{
				{Index: 0, FrameStart: 1, FrameEnd: 4},
			},
		},
		{
			name:        "nonzero start offset",
			fr:          FrameRange{Start: 100, End: 107},
			parallelism: 2,
			want: []Chunk{
				{Index: 0, FrameStart: 100, FrameEnd: 103},
				{Index: 1, FrameStart: 104, FrameEnd: 107},
			},
		},
		{
			name:        "empty range",
			fr:          FrameRange{Start: 10, End: 9},
			parallelism: 2,
			want:        nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PlanChunks(tt.fr, tt.parallelism)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d chunks, want %d: %+v", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

// Coverage invariant: chunks are contiguous, non-overlapping, and cover the
// range exactly once regardless of how the split divides.
func TestPlanChunksCoverage(t *testing.T) {
	for _, parallelism := range []int{1, 2, 3, 5, 8, 100} {
		fr := FrameRange{Start: 3, End: 49}
		chunks := PlanChunks(fr, parallelism)

		next := fr.Start
		total := 0
		for _, c := range chunks {
			if c.FrameStart != next {
				t.Fatalf("parallelism=%d: chunk %d starts at %d, want %d", parallelism, c.Index, c.FrameStart, next)
			}
			if c.FrameEnd < c.FrameStart {
				t.Fatalf("parallelism=%d: chunk %d inverted: %+v", parallelism, c.Index, c)
			}
			total += c.Frames()
			next = c.FrameEnd + 1
		}
		if next != fr.End+1 {
			t.Fatalf("parallelism=%d: chunks end at %d, want %d", parallelism, next-1, fr.End)
		}
		if total != fr.End-fr.Start+1 {
			t.Fatalf("parallelism=%d: total frames %d, want %d", parallelism, total, fr.End-fr.Start+1)
		}
	}
}
