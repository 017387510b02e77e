// Package screens persists worker screen buffers across restarts as
// zstd-compressed files under the worker's state directory.
package screens

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const fileName = "screen.zst"

func path(workerDir string) string {
	return filepath.Join(workerDir, fileName)
}

// Save writes a compressed screen buffer to the worker directory.
// Empty buffers remove any stale file instead.
func Save(workerDir string, data []byte) error {
	if len(data) == 0 {
		return Remove(workerDir)
	}
	if err := os.MkdirAll(workerDir, 0o750); err != nil {
		return fmt.Errorf("create worker dir: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("create encoder: %w", err)
	}
	compressed := enc.EncodeAll(data, nil)
	_ = enc.Close()

	if err := os.WriteFile(path(workerDir), compressed, 0o600); err != nil {
		return fmt.Errorf("write screen buffer: %w", err)
	}
	return nil
}

// Load reads and decompresses a saved screen buffer. Returns nil
// (no error) when none exists.
func Load(workerDir string) ([]byte, error) {
	compressed, err := os.ReadFile(path(workerDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read screen buffer: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	defer dec.Close()

	data, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress screen buffer: %w", err)
	}
	return data, nil
}

// Remove deletes a saved screen buffer if present.
func Remove(workerDir string) error {
	err := os.Remove(path(workerDir))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
