// Package journal is an append-only log of incoming analysis requests. Each
// request body is written and synced before it is parsed so it can be
// replayed later.
package journal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Journal appends request entries to a daily file.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	path string
	dir  string
	now  func() time.Time
}

// Entry is a single journaled request.
type Entry struct {
	Timestamp time.Time
	EntityID  string
	Body      []byte
}

// Open creates or opens today's journal file in dir.
func Open(dir string) (*Journal, error) {
	return openAt(dir, time.Now)
}

func openAt(dir string, now func() time.Time) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	path := pathFor(dir, now())
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	return &Journal{file: file, path: path, dir: dir, now: now}, nil
}

func pathFor(dir string, t time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("requests-%s.journal", t.UTC().Format("20060102")))
}

// Stale reports whether the current file belongs to an earlier day.
func (j *Journal) Stale() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.path != pathFor(j.dir, j.now())
}

// Path returns the file currently appended to.
func (j *Journal) Path() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.path
}

// Append writes one request with fsync. Entries are framed as
// "timestamp|entity|length|body\n" so bodies may contain any bytes.
func (j *Journal) Append(entityID string, body []byte) error {
	if strings.ContainsAny(entityID, "|\n") {
		return fmt.Errorf("entity id %q contains a separator", entityID)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	header := fmt.Sprintf("%s|%s|%d|", j.now().UTC().Format(time.RFC3339Nano), entityID, len(body))
	buf := make([]byte, 0, len(header)+len(body)+1)
	buf = append(buf, header...)
	buf = append(buf, body...)
	buf = append(buf, '\n')

	if _, err := j.file.Write(buf); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

// Rotate switches to the file for the current day and closes the previous
// one. It returns the path of the closed file. If the next file cannot be
// opened the journal keeps appending to the current file.
func (j *Journal) Rotate() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	next, err := openAt(j.dir, j.now)
	if err != nil {
		return "", err
	}

	prev, old := j.file, j.path
	j.file, j.path = next.file, next.path
	if err := closeFile(prev); err != nil {
		return old, fmt.Errorf("failed to close previous journal: %w", err)
	}
	return old, nil
}

// Close flushes and closes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closeLocked()
}

func (j *Journal) closeLocked() error {
	return closeFile(j.file)
}

func closeFile(f *os.File) error {
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Files lists the journal files in dir, oldest first.
func Files(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "requests-*.journal"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// Replay reads all entries from a journal file. A missing file yields no
// entries. Malformed lines are skipped; a truncated final entry ends the
// replay.
func Replay(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	return read(bufio.NewReaderSize(file, 1<<20))
}

func read(r *bufio.Reader) ([]Entry, error) {
	var entries []Entry
	for {
		line, err := r.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			if errors.Is(err, io.EOF) {
				return entries, nil
			}
			return entries, err
		}

		parts := strings.SplitN(string(line), "|", 4)
		if len(parts) != 4 {
			continue
		}
		ts, perr := time.Parse(time.RFC3339Nano, parts[0])
		if perr != nil {
			continue
		}
		n, perr := strconv.Atoi(parts[2])
		if perr != nil || n < 0 {
			continue
		}

		// Bodies may span lines; keep reading until the declared length
		// plus the terminating newline is available.
		body := []byte(parts[3])
		for len(body) < n+1 && err == nil {
			var more []byte
			more, err = r.ReadBytes('\n')
			body = append(body, more...)
		}
		if len(body) < n+1 {
			// Truncated final entry.
			return entries, nil
		}
		if len(body) != n+1 || body[n] != '\n' {
			continue
		}

		entries = append(entries, Entry{Timestamp: ts, EntityID: parts[1], Body: body[:n]})
	}
}
