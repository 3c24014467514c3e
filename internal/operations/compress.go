package operations

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// CompressZstd writes a zstd copy of inputPath into outputDir and returns
// its path. The input is left untouched.
func CompressZstd(inputPath, outputDir string) (string, error) {
	outputPath := filepath.Join(outputDir, filepath.Base(inputPath)+".zst")

	inFile, err := os.Open(inputPath)
	if err != nil {
		return "", fmt.Errorf("failed to open input file: %w", err)
	}
	defer inFile.Close()

	outFile, err := os.Create(outputPath)
	if err != nil {
		return "", fmt.Errorf("failed to create output file: %w", err)
	}
	defer outFile.Close()

	writer, err := zstd.NewWriter(outFile)
	if err != nil {
		return "", fmt.Errorf("failed to create Zstandard writer: %w", err)
	}
	if _, err := io.Copy(writer, inFile); err != nil {
		writer.Close()
		return "", fmt.Errorf("failed to compress file: %w", err)
	}
	// Close flushes the final frame.
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finish compressed file: %w", err)
	}
	if err := outFile.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync compressed file: %w", err)
	}
	return outputPath, nil
}

// CompressToTemp compresses inputPath into a fresh scratch directory.
// cleanup removes the directory and is never nil.
func CompressToTemp(inputPath string) (path string, cleanup func(), err error) {
	dir, err := os.MkdirTemp("", "redis-backup-*")
	if err != nil {
		return "", func() {}, fmt.Errorf("create scratch directory: %w", err)
	}
	cleanup = func() { _ = os.RemoveAll(dir) }

	path, err = CompressZstd(inputPath, dir)
	if err != nil {
		return "", cleanup, err
	}
	return path, cleanup, nil
}
