// Package entropy supplies the randomness the verifier draws its challenge
// bits from. A user source can replace crypto/rand; once it fails or runs
// dry, reads fall back to crypto/rand.
package entropy

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/zkauth/fsid/common/log"
)

// NewFallbackReader returns a reader serving bytes from source until it
// errors, then from crypto/rand.
func NewFallbackReader(source io.Reader, l log.Logger) io.Reader {
	return &fallbackReader{source: source, log: l}
}

type fallbackReader struct {
	mu        sync.Mutex
	source    io.Reader
	log       log.Logger
	exhausted bool
}

func (r *fallbackReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.exhausted && r.source != nil {
		n, err := io.ReadFull(r.source, p)
		if err == nil {
			return n, nil
		}
		r.exhausted = true
		r.log.Warnw("entropy source failed, falling back to crypto/rand", "err", err)
	}
	return rand.Read(p)
}

// NewFileReader creates a reader that reads random bytes sequentially from a
// file. The file is opened on the first read.
func NewFileReader(filePath string) io.ReadCloser {
	return &fileReader{
		path: filePath,
	}
}

type fileReader struct {
	path string
	file *os.File
}

func (r *fileReader) Read(p []byte) (n int, err error) {
	if r.file == nil {
		file, err := os.Open(r.path)
		if err != nil {
			return 0, fmt.Errorf("entropy: cannot open file: %w", err)
		}
		r.file = file
	}

	n, err = r.file.Read(p)
	if err != nil {
		return n, fmt.Errorf("entropy: error reading from file: %w", err)
	}
	return n, nil
}

func (r *fileReader) Close() error {
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}

// GetReaderFromSource creates a reader for the provided file path
func GetReaderFromSource(sourcePath string, logger log.Logger) (io.ReadCloser, error) {
	fileInfo, err := os.Stat(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("entropy: cannot access source: %w", err)
	}

	if fileInfo.IsDir() {
		return nil, fmt.Errorf("entropy: source path is a directory, not a file")
	}

	logger.Infow("Using file for entropy source", "source", sourcePath)
	return NewFileReader(sourcePath), nil
}
