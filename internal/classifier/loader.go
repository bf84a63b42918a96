package classifier

import (
	"context"
	"sync"
)

// Loader memoizes classifier construction so concurrent pipeline runs share
// one model load. The first Ensure call performs the load; concurrent
// callers block on it; later callers get the memoized outcome, success or
// failure alike.
type Loader struct {
	newFn func() (Classifier, error)

	mu      sync.Mutex
	loading chan struct{}
	cls     Classifier
	err     error
	done    bool
}

// NewLoader creates a Loader around a constructor. The constructor runs at
// most once.
func NewLoader(newFn func() (Classifier, error)) *Loader {
	return &Loader{newFn: newFn}
}

// NewONNXLoader is a convenience Loader for the ONNX classifier.
func NewONNXLoader(cfg Config) *Loader {
	return NewLoader(func() (Classifier, error) {
		return NewONNXClassifier(cfg)
	})
}

// Ensure returns the shared classifier, loading it on first use. ctx bounds
// only this caller's wait, not the load itself; a caller that gives up does
// not abandon the load for everyone else.
func (l *Loader) Ensure(ctx context.Context) (Classifier, error) {
	l.mu.Lock()
	if l.done {
		cls, err := l.cls, l.err
		l.mu.Unlock()
		return cls, err
	}
	if l.loading == nil {
		l.loading = make(chan struct{})
		ch := l.loading
		l.mu.Unlock()

		cls, err := l.newFn()

		l.mu.Lock()
		l.cls, l.err, l.done = cls, err, true
		close(ch)
		l.mu.Unlock()
		return cls, err
	}
	ch := l.loading
	l.mu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cls, l.err
}

// Close releases the loaded classifier, if any.
func (l *Loader) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done && l.cls != nil {
		l.cls.Close()
		l.cls = nil
	}
}
