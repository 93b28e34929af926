package testutil

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/roach88/dbwire/internal/persist"
)

// CallLog records calls across several RecordingServices in order.
type CallLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *CallLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

// Calls returns the recorded calls, e.g. "start orders".
func (l *CallLog) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// RecordingService wraps a persist.Service, logging every Start and Stop.
// StartErr and StopErr, when set, are returned instead of calling Next.
type RecordingService struct {
	Name     string
	Next     persist.Service
	Log      *CallLog
	StartErr error
	StopErr  error
}

// Start implements persist.Service.
func (s *RecordingService) Start(ctx context.Context) error {
	s.Log.add("start " + s.Name)
	if s.StartErr != nil {
		return s.StartErr
	}
	if s.Next == nil {
		return nil
	}
	return s.Next.Start(ctx)
}

// Stop implements persist.Service.
func (s *RecordingService) Stop(ctx context.Context) error {
	s.Log.add("stop " + s.Name)
	if s.StopErr != nil {
		return s.StopErr
	}
	if s.Next == nil {
		return nil
	}
	return s.Next.Stop(ctx)
}

var _ persist.Service = (*RecordingService)(nil)

// ObservedLogger returns a logger whose entries at or above level are kept
// in the returned ObservedLogs.
func ObservedLogger(level zapcore.Level) (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return zap.New(core), logs
}
