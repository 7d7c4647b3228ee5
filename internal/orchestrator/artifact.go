package orchestrator

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
)

func bytesReader(data []byte) io.Reader {
	return bytes.NewReader(data)
}

// writeLocalArtifact stores a finished video under the artifact directory,
// mirroring the object-key layout.
func writeLocalArtifact(root, key string, data []byte) (string, error) {
	path := filepath.Join(root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
