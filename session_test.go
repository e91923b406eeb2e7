package rmstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLivenessProbeFailureInvokesCallback(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	conn.failNoAuth = true
	_, f := testFencer(conn)

	fenced := make(chan error, 1)
	l := newLiveness(f, 5*time.Millisecond, func(err error) { fenced <- err }, nil)

	l.start(context.Background())
	defer l.stop()

	select {
	case err := <-fenced:
		require.ErrorIs(t, err, ErrStoreFenced)
	case <-time.After(time.Second):
		t.Fatal("expected fenced callback within 1s")
	}
}

func TestLivenessStopIsIdempotentAndBounded(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	_, f := testFencer(conn)

	l := newLiveness(f, time.Hour, nil, nil)
	l.start(context.Background())

	done := make(chan struct{})
	go func() {
		l.stop()
		l.stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop() did not return within its bounded deadline")
	}
}
