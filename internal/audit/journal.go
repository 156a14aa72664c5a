// Package audit records operational log entries for the reporting surface.
package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/pumpsniper/internal/store"
)

// Levels written to the logs table.
const (
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// LogWriter persists a log entry.
type LogWriter interface {
	AppendLog(ctx context.Context, e *store.LogEntry) error
}

// Journal queues log entries and writes them in the background, so
// callers never wait on the store. When the queue is full the entry is
// dropped. A nil *Journal discards everything.
type Journal struct {
	writer       LogWriter
	queue        chan store.LogEntry
	writeTimeout time.Duration

	mu     sync.Mutex
	recent []store.LogEntry
	maxBuf int

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewJournal creates a journal with a queue of queueSize entries and an
// in-memory ring of the last maxBuf entries.
func NewJournal(writer LogWriter, queueSize, maxBuf int) *Journal {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if maxBuf < 0 {
		maxBuf = 0
	}
	return &Journal{
		writer:       writer,
		queue:        make(chan store.LogEntry, queueSize),
		writeTimeout: 5 * time.Second,
		recent:       make([]store.LogEntry, 0, maxBuf),
		maxBuf:       maxBuf,
	}
}

func (j *Journal) Info(msg string)  { j.record(LevelInfo, msg) }
func (j *Journal) Warn(msg string)  { j.record(LevelWarn, msg) }
func (j *Journal) Error(msg string) { j.record(LevelError, msg) }

func (j *Journal) Infof(format string, args ...any)  { j.record(LevelInfo, fmt.Sprintf(format, args...)) }
func (j *Journal) Warnf(format string, args ...any)  { j.record(LevelWarn, fmt.Sprintf(format, args...)) }
func (j *Journal) Errorf(format string, args ...any) { j.record(LevelError, fmt.Sprintf(format, args...)) }

func (j *Journal) record(level, msg string) {
	if j == nil {
		return
	}
	entry := store.LogEntry{TS: time.Now().UTC(), Level: level, Message: msg}
	store.NormalizeLog(&entry)

	j.mu.Lock()
	if j.maxBuf > 0 {
		if len(j.recent) >= j.maxBuf {
			copy(j.recent, j.recent[1:])
			j.recent[len(j.recent)-1] = entry
		} else {
			j.recent = append(j.recent, entry)
		}
	}
	j.mu.Unlock()

	select {
	case j.queue <- entry:
	default:
		j.dropped.Add(1)
		log.Debug().Str("level", level).Str("msg", entry.Message).Msg("audit: queue full, entry dropped")
	}
}

// Run writes queued entries until ctx is cancelled, then flushes what is
// still queued.
func (j *Journal) Run(ctx context.Context) {
	if j == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			j.flush()
			return
		case e := <-j.queue:
			j.write(ctx, e)
		}
	}
}

func (j *Journal) flush() {
	ctx := context.Background()
	for {
		select {
		case e := <-j.queue:
			j.write(ctx, e)
		default:
			return
		}
	}
}

func (j *Journal) write(ctx context.Context, e store.LogEntry) {
	if j.writer == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.writeTimeout)
	defer cancel()
	if err := j.writer.AppendLog(writeCtx, &e); err != nil {
		j.failed.Add(1)
		log.Error().Err(err).Str("level", e.Level).Msg("audit: failed to persist log entry")
		return
	}
	j.written.Add(1)
}

// Recent returns the last entries recorded, oldest first.
func (j *Journal) Recent() []store.LogEntry {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]store.LogEntry, len(j.recent))
	copy(out, j.recent)
	return out
}

// Stats holds journal counters.
type Stats struct {
	Written int64 `json:"written"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
	Queued  int   `json:"queued"`
}

func (j *Journal) Stats() Stats {
	if j == nil {
		return Stats{}
	}
	return Stats{
		Written: j.written.Load(),
		Dropped: j.dropped.Load(),
		Failed:  j.failed.Load(),
		Queued:  len(j.queue),
	}
}
