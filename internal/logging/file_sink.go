package logging

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"llm_dispatcher/internal/utils"
)

// ErrSinkFull is returned when the buffer is full and the record was dropped
var ErrSinkFull = errors.New("attempt sink buffer full")

// ErrSinkClosed is returned after Shutdown
var ErrSinkClosed = errors.New("attempt sink closed")

// FileSink writes attempt records as JSON lines with size-based rotation
// and retention. Writes happen on one goroutine; Enqueue never blocks.
type FileSink struct {
	fileTemplate  string // e.g. "/var/log/dispatcher/attempts-%s.jsonl"
	maxSize       int64
	maxFiles      int
	flushInterval time.Duration
	logger        *utils.Logger

	mu          sync.Mutex
	currentFile string
	file        *os.File
	writer      *bufio.Writer
	currentSize int64
	seq         int

	recCh   chan *AttemptRecord
	doneCh  chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool
	dropped atomic.Int64
}

// NewFileSink creates the sink and opens the first file.
// bufferSize bounds the number of queued records before drops begin.
func NewFileSink(fileTemplate string, maxSize int64, maxFiles, bufferSize int, flushInterval time.Duration) (*FileSink, error) {
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	if bufferSize <= 0 {
		bufferSize = 1
	}
	s := &FileSink{
		fileTemplate:  fileTemplate,
		maxSize:       maxSize,
		maxFiles:      maxFiles,
		flushInterval: flushInterval,
		logger:        utils.NewLogger("attempt-log"),
		recCh:         make(chan *AttemptRecord, bufferSize),
		doneCh:        make(chan struct{}),
	}

	if err := s.openFile(); err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go s.run()

	return s, nil
}

// newFileName applies a timestamp and sequence number to the template
func (s *FileSink) newFileName() string {
	s.seq++
	stamp := fmt.Sprintf("%s-%04d", time.Now().Format("20060102150405"), s.seq)
	return fmt.Sprintf(s.fileTemplate, stamp)
}

// openFile opens the next file; the directory is created if missing
func (s *FileSink) openFile() error {
	s.currentFile = s.newFileName()
	if err := os.MkdirAll(filepath.Dir(s.currentFile), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", s.currentFile, err)
	}

	file, err := os.OpenFile(s.currentFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	s.currentSize = fi.Size()
	s.file = file
	s.writer = bufio.NewWriter(file)
	return nil
}

// rotateIfNeeded switches files when n more bytes would exceed maxSize.
// Caller holds mu.
func (s *FileSink) rotateIfNeeded(n int) (bool, error) {
	if s.currentSize == 0 || s.currentSize+int64(n) < s.maxSize {
		return false, nil
	}

	if err := s.writer.Flush(); err != nil {
		return false, err
	}
	if err := s.file.Close(); err != nil {
		return false, err
	}
	return true, s.openFile()
}

// cleanupOldFiles removes the oldest files beyond maxFiles
func (s *FileSink) cleanupOldFiles() error {
	matches, err := filepath.Glob(fmt.Sprintf(s.fileTemplate, "*"))
	if err != nil {
		return err
	}

	// Timestamped names sort chronologically
	sort.Strings(matches)

	excess := len(matches) - s.maxFiles
	for i := 0; i < excess; i++ {
		if matches[i] == s.currentFile {
			continue
		}
		_ = os.Remove(matches[i])
	}
	return nil
}

func (s *FileSink) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec := <-s.recCh:
			s.writeRecord(rec)
		case <-ticker.C:
			s.mu.Lock()
			_ = s.writer.Flush()
			s.mu.Unlock()
		case <-s.doneCh:
			for {
				select {
				case rec := <-s.recCh:
					s.writeRecord(rec)
				default:
					s.mu.Lock()
					_ = s.writer.Flush()
					_ = s.file.Close()
					s.mu.Unlock()
					return
				}
			}
		}
	}
}

func (s *FileSink) writeRecord(rec *AttemptRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warn("Dropping unencodable attempt record", "error", err)
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	rotated, err := s.rotateIfNeeded(len(data))
	if err != nil {
		s.logger.Error("Attempt log rotation failed", "file", s.currentFile, "error", err)
	}
	_, _ = s.writer.Write(data)
	s.currentSize += int64(len(data))
	s.mu.Unlock()

	if rotated {
		if err := s.cleanupOldFiles(); err != nil {
			s.logger.Warn("Attempt log cleanup failed", "error", err)
		}
	}
}

// Enqueue queues a record; a full buffer drops it
func (s *FileSink) Enqueue(rec *AttemptRecord) error {
	if s.closed.Load() {
		return ErrSinkClosed
	}
	select {
	case s.recCh <- rec:
		return nil
	default:
		s.dropped.Add(1)
		return ErrSinkFull
	}
}

// Dropped returns the number of records lost to a full buffer
func (s *FileSink) Dropped() int64 {
	return s.dropped.Load()
}

// Shutdown flushes queued records and closes the file
func (s *FileSink) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.doneCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
