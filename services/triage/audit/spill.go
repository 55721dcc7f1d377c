// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	spillPrefix    = "audits"
	spillExtension = ".jsonl"

	// segmentMaxBytes rotates the active segment so recovery republishes
	// in bounded chunks.
	segmentMaxBytes = 1 << 20

	// DefaultSpillMaxBytes caps the whole spill directory.
	DefaultSpillMaxBytes = 64 << 20
)

var newline = []byte{'\n'}

// SpillQueue is the on-disk overflow for audits that could not be published.
// Records append to JSONL segment files: the active segment rotates at
// segmentMaxBytes, and when the directory exceeds its total cap the oldest
// closed segment is deleted. Segment names are timestamped so lexical order
// is chronological.
//
// # Thread Safety
//
// SpillQueue uses a mutex to protect concurrent operations.
type SpillQueue struct {
	mu sync.Mutex

	dir           string
	maxTotalBytes int64

	active     *os.File
	activePath string
	activeSize int64

	droppedSegments uint64
}

// NewSpillQueue creates the spill directory if needed and returns a queue
// capped at maxTotalBytes (DefaultSpillMaxBytes when <= 0).
func NewSpillQueue(dir string, maxTotalBytes int64) (*SpillQueue, error) {
	if dir == "" {
		return nil, fmt.Errorf("audit: spill directory required")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("audit: create spill directory %s: %w", dir, err)
	}
	if maxTotalBytes <= 0 {
		maxTotalBytes = DefaultSpillMaxBytes
	}
	return &SpillQueue{dir: dir, maxTotalBytes: maxTotalBytes}, nil
}

// Append writes one JSON line to the active segment, rotating and enforcing
// the total cap as needed.
func (q *SpillQueue) Append(line []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	need := int64(len(line)) + 1
	if q.active != nil && q.activeSize+need > segmentMaxBytes {
		if err := q.closeActiveLocked(); err != nil {
			return err
		}
	}
	if q.active == nil {
		if err := q.openSegmentLocked(); err != nil {
			return err
		}
		if err := q.enforceCapLocked(); err != nil {
			return err
		}
	}

	// Two writes so the caller's buffer is never grown in place.
	if _, err := q.active.Write(line); err != nil {
		return fmt.Errorf("audit: append spill segment: %w", err)
	}
	if _, err := q.active.Write(newline); err != nil {
		return fmt.Errorf("audit: append spill segment: %w", err)
	}
	q.activeSize += need
	return nil
}

// DrainOldest feeds every line of the oldest segment to fn and deletes the
// segment when all lines succeed. On the first fn error the remaining lines
// are rewritten in place (temp file + rename) and the error is returned.
// Returns the number of lines fn accepted.
func (q *SpillQueue) DrainOldest(fn func(line []byte) error) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	segs, err := q.segmentsLocked()
	if err != nil {
		return 0, err
	}
	if len(segs) == 0 {
		return 0, nil
	}

	// The active segment is drainable too, but only after closing it so the
	// next Append starts fresh.
	oldest := segs[0]
	if oldest == q.activePath {
		if err := q.closeActiveLocked(); err != nil {
			return 0, err
		}
	}

	data, err := os.ReadFile(oldest)
	if err != nil {
		return 0, fmt.Errorf("audit: read spill segment: %w", err)
	}

	lines := splitLines(data)
	for i, line := range lines {
		if err := fn(line); err != nil {
			if werr := q.rewriteSegmentLocked(oldest, lines[i:]); werr != nil {
				return i, werr
			}
			return i, err
		}
	}

	if err := os.Remove(oldest); err != nil {
		return len(lines), fmt.Errorf("audit: remove drained segment: %w", err)
	}
	return len(lines), nil
}

// Pending reports how many segments and bytes are waiting on disk.
func (q *SpillQueue) Pending() (segments int, bytes int64, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	segs, err := q.segmentsLocked()
	if err != nil {
		return 0, 0, err
	}
	for _, p := range segs {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		bytes += info.Size()
	}
	return len(segs), bytes, nil
}

// DroppedSegments reports segments deleted by the total-size cap.
func (q *SpillQueue) DroppedSegments() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.droppedSegments
}

// Close flushes and closes the active segment. Spilled data stays on disk
// for the next start.
func (q *SpillQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closeActiveLocked()
}

func (q *SpillQueue) openSegmentLocked() error {
	now := time.Now()
	name := fmt.Sprintf("%s-%s-%09d%s",
		spillPrefix, now.Format("20060102-150405"), now.Nanosecond(), spillExtension)
	path := filepath.Join(q.dir, name)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("audit: open spill segment: %w", err)
	}
	q.active = f
	q.activePath = path
	q.activeSize = 0
	return nil
}

func (q *SpillQueue) closeActiveLocked() error {
	if q.active == nil {
		return nil
	}
	err := q.active.Close()
	q.active = nil
	q.activePath = ""
	q.activeSize = 0
	if err != nil {
		return fmt.Errorf("audit: close spill segment: %w", err)
	}
	return nil
}

// enforceCapLocked deletes oldest closed segments until the directory fits
// the cap. The active segment is never deleted.
func (q *SpillQueue) enforceCapLocked() error {
	segs, err := q.segmentsLocked()
	if err != nil {
		return err
	}

	var total int64
	sizes := make(map[string]int64, len(segs))
	for _, p := range segs {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		sizes[p] = info.Size()
		total += info.Size()
	}

	for _, p := range segs {
		if total <= q.maxTotalBytes {
			break
		}
		if p == q.activePath {
			continue
		}
		if err := os.Remove(p); err != nil {
			return fmt.Errorf("audit: drop over-cap segment: %w", err)
		}
		total -= sizes[p]
		q.droppedSegments++
	}
	return nil
}

// segmentsLocked lists segment paths, oldest first.
func (q *SpillQueue) segmentsLocked() ([]string, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("audit: list spill directory: %w", err)
	}

	var segs []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, spillPrefix) || !strings.HasSuffix(name, spillExtension) {
			continue
		}
		segs = append(segs, filepath.Join(q.dir, name))
	}
	sort.Strings(segs)
	return segs, nil
}

// rewriteSegmentLocked atomically replaces a segment with the given lines.
func (q *SpillQueue) rewriteSegmentLocked(path string, lines [][]byte) error {
	tempPath := path + ".tmp"
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("audit: rewrite spill segment: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("audit: flush spill rewrite: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("audit: close spill rewrite: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("audit: finalize spill rewrite: %w", err)
	}
	return nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
