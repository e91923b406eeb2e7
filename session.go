package rmstore

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// FencedCallback is invoked when the liveness prober detects loss of fencing
// authority (SPEC_FULL.md §4.3, "Liveness prober"). The resource-manager
// collaborator is expected to step down from active in response.
type FencedCallback func(err error)

// liveness runs the background prober: a cancellable task with a stop channel,
// grounded on the daemon-goroutine shape in participant.go's loop()/watch
// goroutines, modernized to use context.Context for cancellation (the teacher
// predates this package's use of context anywhere; this is the one deliberate
// idiomatic departure SPEC_FULL.md §4.3 calls for).
type liveness struct {
	fencer   *fencer
	interval time.Duration
	onFenced FencedCallback
	log      *logrus.Entry

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

func newLiveness(f *fencer, interval time.Duration, onFenced FencedCallback, log *logrus.Entry) *liveness {
	return &liveness{fencer: f, interval: interval, onFenced: onFenced, log: log}
}

// start launches the prober loop. Safe to call once; a second call is a no-op.
func (l *liveness) start(ctx context.Context) {
	l.mu.Lock()
	if l.cancel != nil {
		l.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.stopped = make(chan struct{})
	l.mu.Unlock()

	go l.loop(ctx)
}

func (l *liveness) loop(ctx context.Context) {
	defer close(l.stopped)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.fencer.probe(); err != nil {
				if l.log != nil {
					l.log.WithField("err", err).Warn("liveness probe failed, reporting fenced")
				}
				if l.onFenced != nil {
					l.onFenced(err)
				}
				return
			}
		}
	}
}

// stop cancels the prober and waits up to 1 second for it to exit, matching the
// teacher's closeInternal's "interrupt and join with a 1-second deadline"
// (SPEC_FULL.md §5, "Cancellation").
func (l *liveness) stop() {
	l.mu.Lock()
	cancel := l.cancel
	stopped := l.stopped
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	select {
	case <-stopped:
	case <-time.After(time.Second):
	}
}
