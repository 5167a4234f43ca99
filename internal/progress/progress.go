// Package progress reports the progress of long-running connect, disconnect
// and resolve operations. Cancellation travels on the context, not here.
package progress

import (
	"sync"

	"github.com/rs/zerolog"
)

// Unknown is the total passed to Begin when the amount of work is not known.
const Unknown = -1

// Monitor receives progress for one unit of work.
type Monitor interface {
	Begin(task string, total int)
	SubTask(name string)
	Worked(n int)
	Done()
}

type nop struct{}

func (nop) Begin(string, int) {}
func (nop) SubTask(string)    {}
func (nop) Worked(int)        {}
func (nop) Done()             {}

// Nop discards all progress.
var Nop Monitor = nop{}

// OrNop returns m, or Nop when m is nil.
func OrNop(m Monitor) Monitor {
	if m == nil {
		return Nop
	}
	return m
}

// Log writes progress at debug level to a zerolog logger.
type Log struct {
	logger zerolog.Logger

	mu     sync.Mutex
	task   string
	total  int
	worked int
}

// NewLog returns a Monitor that logs to logger.
func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Begin(task string, total int) {
	l.mu.Lock()
	l.task, l.total, l.worked = task, total, 0
	l.mu.Unlock()
	l.logger.Debug().Str("task", task).Int("total", total).Msg("begin")
}

func (l *Log) SubTask(name string) {
	l.logger.Debug().Str("task", l.Task()).Str("subtask", name).Msg("subtask")
}

func (l *Log) Worked(n int) {
	l.mu.Lock()
	l.worked += n
	worked, total, task := l.worked, l.total, l.task
	l.mu.Unlock()
	l.logger.Debug().Str("task", task).Int("worked", worked).Int("total", total).Msg("worked")
}

func (l *Log) Done() {
	l.logger.Debug().Str("task", l.Task()).Msg("done")
}

// Task returns the current task name.
func (l *Log) Task() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.task
}

// WorkedUnits returns the work units reported so far.
func (l *Log) WorkedUnits() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.worked
}
