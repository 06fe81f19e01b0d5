package stream

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/devinshteyn2/pgcopydb/internal/pg"
	"github.com/devinshteyn2/pgcopydb/logger"
)

const partialSuffix = ".partial"

// segmentWriter appends JSON lines to per-WAL-segment files. A file stays
// under its .partial name until the stream moves past its segment, at which
// point it is fsynced and renamed; only renamed segments are complete.
type segmentWriter struct {
	dir      string
	timeline int32
	walSegSz uint64

	segment string
	file    *os.File
	buf     *bufio.Writer

	lastWritten pg.LSN
	lastFlushed pg.LSN
}

func newSegmentWriter(dir string, timeline int32, walSegSz uint64) *segmentWriter {
	return &segmentWriter{dir: dir, timeline: timeline, walSegSz: walSegSz}
}

func (w *segmentWriter) partialPath(segment string) string {
	return filepath.Join(w.dir, segment+".json"+partialSuffix)
}

func (w *segmentWriter) finalPath(segment string) string {
	return filepath.Join(w.dir, segment+".json")
}

// Write appends one message to the segment file its LSN belongs to,
// rotating on segment switch.
func (w *segmentWriter) Write(msg *LogicalMessage) error {
	segment := pg.WalSegmentName(w.timeline, msg.LSN, w.walSegSz)

	if w.file != nil && segment != w.segment {
		if err := w.rotate(segment); err != nil {
			return err
		}
	}

	if w.file == nil {
		if err := w.open(segment); err != nil {
			return err
		}
	}

	line, err := msg.MarshalLine()
	if err != nil {
		return err
	}

	if _, err := w.buf.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write segment line: %w", err)
	}

	if msg.LSN > w.lastWritten {
		w.lastWritten = msg.LSN
	}

	return nil
}

func (w *segmentWriter) open(segment string) error {
	file, err := os.OpenFile(w.partialPath(segment),
		os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open segment file: %w", err)
	}

	w.segment = segment
	w.file = file
	w.buf = bufio.NewWriter(file)

	logger.Debug("opened segment file", "segment", segment)
	return nil
}

// rotate completes the current segment and starts the next one with a
// SWITCH sentinel line.
func (w *segmentWriter) rotate(next string) error {
	finished := w.segment

	if err := w.closeCurrent(); err != nil {
		return err
	}

	if err := w.open(next); err != nil {
		return err
	}

	switchMsg := &LogicalMessage{Action: ActionSwitch, LSN: w.lastWritten}
	line, err := switchMsg.MarshalLine()
	if err != nil {
		return err
	}
	if _, err := w.buf.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write switch line: %w", err)
	}

	logger.Info("completed segment file", "segment", finished, "next", next)
	return nil
}

// closeCurrent flushes, fsyncs, and renames the active partial file to its
// final name.
func (w *segmentWriter) closeCurrent() error {
	if w.file == nil {
		return nil
	}

	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush segment file: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync segment file: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close segment file: %w", err)
	}

	if err := os.Rename(w.partialPath(w.segment), w.finalPath(w.segment)); err != nil {
		return fmt.Errorf("rename segment file: %w", err)
	}

	w.lastFlushed = w.lastWritten
	w.file = nil
	w.buf = nil

	return nil
}

// Sync flushes buffered lines to disk without completing the segment.
func (w *segmentWriter) Sync() error {
	if w.file == nil {
		return nil
	}

	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush segment file: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync segment file: %w", err)
	}

	w.lastFlushed = w.lastWritten
	return nil
}

// Close completes whatever segment is active.
func (w *segmentWriter) Close() error {
	return w.closeCurrent()
}

// CompleteSegments lists finished segment files in WAL order.
func CompleteSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan cdc directory: %w", err)
	}

	var segments []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasSuffix(name, ".json") {
			segments = append(segments, filepath.Join(dir, name))
		}
	}

	sort.Strings(segments)
	return segments, nil
}

// DiscardPartialSegments removes leftover .partial files; the source will
// re-send their content.
func DiscardPartialSegments(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("scan cdc directory: %w", err)
	}

	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), partialSuffix) {
			path := filepath.Join(dir, entry.Name())
			logger.Info("discarding partial segment file", "file", entry.Name())
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove partial segment: %w", err)
			}
		}
	}

	return nil
}

// LastCommitLSN scans a complete segment file for the highest commit LSN it
// holds, which is where a restarted receiver resumes.
func LastCommitLSN(path string) (pg.LSN, error) {
	f, err := os.Open(path)
	if err != nil {
		return pg.InvalidLSN, fmt.Errorf("open segment file: %w", err)
	}
	defer f.Close()

	var last pg.LSN

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, err := UnmarshalLine(line)
		if err != nil {
			return pg.InvalidLSN, err
		}

		if msg.Action == ActionCommit && msg.CommitLSN > last {
			last = msg.CommitLSN
		}
	}

	if err := scanner.Err(); err != nil {
		return pg.InvalidLSN, fmt.Errorf("scan segment file: %w", err)
	}

	return last, nil
}

// ResumeLSN inspects the streaming subtree and returns the position to
// restart from: the last commit of the highest complete segment.
func ResumeLSN(dir string) (pg.LSN, error) {
	if err := DiscardPartialSegments(dir); err != nil {
		return pg.InvalidLSN, err
	}

	segments, err := CompleteSegments(dir)
	if err != nil {
		return pg.InvalidLSN, err
	}

	if len(segments) == 0 {
		return pg.InvalidLSN, nil
	}

	return LastCommitLSN(segments[len(segments)-1])
}
