package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// GenesisHash is the prev_hash of the first entry in a log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// maxLineSize bounds a single JSONL line when scanning an existing log.
const maxLineSize = 4 * 1024 * 1024

// ErrMalformedEntry is returned by Record for an entry whose payload does not
// match its event type.
var ErrMalformedEntry = errors.New("audit: malformed entry")

// Log appends entries to a JSONL file. Each line carries the SHA-256 of the
// line before it, so any edit, insertion or deletion breaks the chain at the
// next line. Safe for concurrent use.
type Log struct {
	mu   sync.Mutex
	path string
	file *os.File
	head string
}

// Open opens the log at path for appending, creating it and its directory
// as needed. An existing log continues from the hash of its last line.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	head := GenesisHash
	err := scanLines(path, func(_ int, line []byte) error {
		if len(line) > 0 {
			head = HashLine(line)
		}
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("audit: recover chain head: %w", err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open file: %w", err)
	}
	return &Log{path: path, file: file, head: head}, nil
}

// Path returns the file the log appends to.
func (l *Log) Path() string { return l.path }

// Head returns the hash of the last written line, or GenesisHash.
func (l *Log) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// Record chains entry onto the log and syncs it to disk. A missing
// timestamp is filled in; entries that Verify would reject are refused.
func (l *Log) Record(entry Entry) error {
	if msg := checkShape(entry); msg != "" {
		return fmt.Errorf("%w: %s", ErrMalformedEntry, msg)
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(TimestampFormat)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry.PrevHash = l.head
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}
	l.head = HashLine(line)
	return nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// HashLine returns "sha256:<hex>" of line.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}
