// Package jsonl streams newline-delimited JSON files one line at a time.
package jsonl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxLineBytes bounds a single record. Records near the sequence-length cap
// stay well under this.
const maxLineBytes = 4 * 1024 * 1024

// Reader iterates over the lines of a file, forward-only. Restart by
// reopening. Opening a missing path is an error, not an empty sequence.
type Reader struct {
	f  *os.File
	sc *bufio.Scanner
}

// Open opens path for line-wise reading.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Reader{f: f, sc: sc}, nil
}

// Scan advances to the next non-blank line.
func (r *Reader) Scan() bool {
	for r.sc.Scan() {
		if strings.TrimSpace(r.sc.Text()) != "" {
			return true
		}
	}
	return false
}

// Text returns the current line without its trailing newline.
func (r *Reader) Text() string {
	return strings.TrimRight(r.sc.Text(), "\r")
}

// Err returns the first error hit while scanning, if any.
func (r *Reader) Err() error {
	return r.sc.Err()
}

// Close releases the underlying file. Safe to call on every exit path.
func (r *Reader) Close() error {
	return r.f.Close()
}

// Count scans path and returns its non-blank line count. The count is
// informational, so a full scan suffices.
func Count(path string) (int, error) {
	r, err := Open(path)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	n := 0
	for r.Scan() {
		n++
	}
	if err := r.Err(); err != nil {
		return 0, fmt.Errorf("counting %s: %w", path, err)
	}
	return n, nil
}

// Writer appends one serialized record per line. Create truncates any
// existing file and creates missing parent directories.
type Writer struct {
	f     *os.File
	bw    *bufio.Writer
	lines int
}

// Create opens path for writing, creating it (and its directory) if needed.
func Create(path string) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", path, err)
	}
	return &Writer{f: f, bw: bufio.NewWriter(f)}, nil
}

// WriteLine appends one raw line.
func (w *Writer) WriteLine(line string) error {
	if _, err := w.bw.WriteString(line); err != nil {
		return err
	}
	if err := w.bw.WriteByte('\n'); err != nil {
		return err
	}
	w.lines++
	return nil
}

// WriteRecord marshals v and appends it as one line.
func (w *Writer) WriteRecord(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	return w.WriteLine(string(data))
}

// Lines returns the number of lines written so far.
func (w *Writer) Lines() int {
	return w.lines
}

// Flush forces written lines out to the file so cooperating readers (e.g. a
// subprocess tailing it) observe them before the stage completes.
func (w *Writer) Flush() error {
	if err := w.bw.Flush(); err != nil {
		return err
	}
	return w.f.Sync()
}

// Close flushes and releases the underlying file.
func (w *Writer) Close() error {
	if err := w.bw.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
