package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// GenesisHash is the prev_hash of the first line of a new log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// Sink is an append-only destination for records. Write sets rec.PrevHash.
type Sink interface {
	Write(rec *Record) error
	Close() error
}

// logFile is the part of *os.File the sink uses.
type logFile interface {
	Write(p []byte) (int, error)
	Sync() error
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
	Close() error
}

// FileSink appends hash-chained JSON lines to a file. Each line's prev_hash
// is the SHA-256 of the previous line.
type FileSink struct {
	path     string
	file     logFile
	prevHash string
	mu       sync.Mutex
}

// OpenFile opens (or creates) path for appending and recovers the chain tail.
func OpenFile(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	prevHash, err := tailHash(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open file: %w", err)
	}
	return &FileSink{path: path, file: file, prevHash: prevHash}, nil
}

func tailHash(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return GenesisHash, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("audit: read existing log: %w", err)
	}
	defer f.Close()

	scanner := newScanner(f)
	var last []byte
	for scanner.Scan() {
		last = append(last[:0], scanner.Bytes()...)
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("audit: scan existing log: %w", err)
	}
	if len(last) == 0 {
		return GenesisHash, nil
	}
	return HashLine(last), nil
}

// Path returns the log file path.
func (s *FileSink) Path() string { return s.path }

// Write appends rec and syncs. The chain only advances on success. A failed
// write or sync is rolled back to the previous end of file so that a retry
// does not leave the line twice. If the rollback fails the line stays and the
// chain advances past it.
func (s *FileSink) Write(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.PrevHash = s.prevHash
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: marshal record: %w", err)
	}
	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("audit: stat log: %w", err)
	}
	end := info.Size()

	n, err := s.file.Write(append(line, '\n'))
	if err == nil {
		if err = s.file.Sync(); err == nil {
			s.prevHash = HashLine(line)
			return nil
		}
		err = fmt.Errorf("audit: sync: %w", err)
	} else {
		err = fmt.Errorf("audit: write record: %w", err)
	}
	if n == 0 {
		return err
	}
	if terr := s.file.Truncate(end); terr != nil {
		if n == len(line)+1 {
			s.prevHash = HashLine(line)
		}
		return errors.Join(err, fmt.Errorf("audit: roll back partial line: %w", terr))
	}
	return err
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// HashLine returns "sha256:<hex>" of line.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}

// Params can make lines long; allow up to 4 MiB per line.
func newScanner(f *os.File) *bufio.Scanner {
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return s
}
