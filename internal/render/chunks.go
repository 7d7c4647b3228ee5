package render

// PlanChunks splits a frame range into at most parallelism contiguous,
// non-overlapping chunks that cover the range exactly once. Chunks never
// outnumber frames, so a one-frame range yields one chunk no matter how much
// parallelism was requested.
func PlanChunks(fr FrameRange, parallelism int) []Chunk {
	frameCount := fr.End - fr.Start + 1
	if frameCount <= 0 {
		return nil
	}

	effective := parallelism
	if effective < 1 {
		effective = 1
	}
	if effective > frameCount {
		effective = frameCount
	}

	chunkSize := (frameCount + effective - 1) / effective

	chunks := make([]Chunk, 0, effective)
	for start := fr.Start; start <= fr.End; start += chunkSize {
		end := start + chunkSize - 1
		if end > fr.End {
			end = fr.End
		}
		chunks = append(chunks, Chunk{
			Index:      len(chunks),
			FrameStart: start,
			FrameEnd:   end,
		})
	}
	return chunks
}
