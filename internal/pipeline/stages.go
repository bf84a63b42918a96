// Package pipeline orchestrates the photo-to-calories flow: normalize the
// upload, fingerprint it, run the on-device food gate, consult the result
// cache, and finally call the remote analysis service.
package pipeline

import (
	"log/slog"
	"sync"
)

// Stage identifies a pipeline phase.
type Stage string

const (
	StageIdle          Stage = "idle"
	StageCompressing   Stage = "compressing"
	StageDetecting     Stage = "detecting"
	StageCheckingCache Stage = "checking-cache"
	StageAnalyzing     Stage = "analyzing"
	StageComplete      Stage = "complete"
)

// Percent returns the progress value reported when the stage begins.
func (s Stage) Percent() int {
	switch s {
	case StageCompressing:
		return 10
	case StageDetecting:
		return 30
	case StageCheckingCache:
		return 50
	case StageAnalyzing:
		return 70
	case StageComplete:
		return 100
	default:
		return 0
	}
}

// StageCallback receives stage transitions during an analysis run.
type StageCallback interface {
	// OnStage is called when the pipeline enters a stage, with the
	// stage's progress percentage.
	OnStage(stage Stage, percent int)

	// OnError is called once when the run fails.
	OnError(stage Stage, err error)
}

// NoOpStageCallback implements StageCallback but does nothing. Useful as a
// default when no progress reporting is needed.
type NoOpStageCallback struct{}

func (NoOpStageCallback) OnStage(Stage, int)   {}
func (NoOpStageCallback) OnError(Stage, error) {}

// LogStageCallback logs stage transitions using slog.
type LogStageCallback struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogStageCallback creates a log-based stage reporter.
func NewLogStageCallback(logger *slog.Logger, level slog.Level) *LogStageCallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogStageCallback{logger: logger, level: level}
}

func (l *LogStageCallback) OnStage(stage Stage, percent int) {
	l.logger.Log(nil, l.level, "pipeline stage", "stage", string(stage), "percent", percent)
}

func (l *LogStageCallback) OnError(stage Stage, err error) {
	l.logger.Log(nil, slog.LevelError, "pipeline failed", "stage", string(stage), "error", err)
}

// MultiStageCallback fans stage events out to several callbacks.
type MultiStageCallback struct {
	callbacks []StageCallback
}

// NewMultiStageCallback creates a callback that reports to all given
// callbacks.
func NewMultiStageCallback(callbacks ...StageCallback) *MultiStageCallback {
	return &MultiStageCallback{callbacks: callbacks}
}

// Add adds another callback.
func (m *MultiStageCallback) Add(cb StageCallback) {
	m.callbacks = append(m.callbacks, cb)
}

func (m *MultiStageCallback) OnStage(stage Stage, percent int) {
	for _, cb := range m.callbacks {
		cb.OnStage(stage, percent)
	}
}

func (m *MultiStageCallback) OnError(stage Stage, err error) {
	for _, cb := range m.callbacks {
		cb.OnError(stage, err)
	}
}

// StageRecorder captures stage transitions, primarily for tests and the
// websocket progress bridge.
type StageRecorder struct {
	mu     sync.Mutex
	stages []Stage
}

func (r *StageRecorder) OnStage(stage Stage, percent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, stage)
}

func (r *StageRecorder) OnError(Stage, error) {}

// Stages returns the recorded transitions in order.
func (r *StageRecorder) Stages() []Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stage, len(r.stages))
	copy(out, r.stages)
	return out
}
