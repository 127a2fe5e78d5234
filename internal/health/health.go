// Package health is the error-reporting channel the storage core raises
// unrecoverable and transient faults on.
//
// Shutdown errors are never reported: a canceled job is the caller's
// doing, not a fault.
package health

import (
	"log/slog"

	"github.com/yndnr/canopy-go/internal/core/domain"
)

// Channel receives fault reports from the core.
type Channel interface {
	// Error reports a fault of the given kind.
	Error(kind string, err error)
}

// Fault kinds.
const (
	KindBug       = "bug"
	KindCorrupt   = "corrupt"
	KindNoSpace   = "nospace"
	KindTransient = "transient"
)

// Log is a Channel that writes faults to a structured logger.
type Log struct {
	Logger *slog.Logger
}

// NewLog creates a logging health channel.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{Logger: logger}
}

// Error implements Channel.
func (l *Log) Error(kind string, err error) {
	if domain.IsShutdown(err) {
		return
	}
	l.Logger.Error("health fault",
		"kind", kind,
		"code", domain.ErrorCode(err),
		"error", err)
}

// Discard is a Channel that drops everything. Tests that provoke faults
// on purpose use it to keep logs quiet.
type Discard struct{}

// Error implements Channel.
func (Discard) Error(string, error) {}

// Recorder is a Channel that captures reports for assertions.
type Recorder struct {
	Reports []struct {
		Kind string
		Err  error
	}
}

// Error implements Channel.
func (r *Recorder) Error(kind string, err error) {
	r.Reports = append(r.Reports, struct {
		Kind string
		Err  error
	}{kind, err})
}
