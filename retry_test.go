package rmstore

import (
	"errors"
	"testing"
	"time"

	"github.com/samuel/go-zookeeper/zk"
	"github.com/stretchr/testify/require"
)

func testRetryEngine(c *client) *retryEngine {
	cfg := Config{NumRetries: 5, RetryInterval: time.Millisecond, HAEnabled: true}
	return newRetryEngine(c, cfg, func() error { return nil }, nil)
}

func TestClassifyOutcomes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want outcome
	}{
		{nil, outcomeSuccess},
		{zk.ErrNodeExists, outcomeIdempotentSuccess},
		{zk.ErrNoAuth, outcomeFenced},
		{zk.ErrConnectionClosed, outcomeTransient},
		{zk.ErrSessionExpired, outcomeSessionLost},
		{errors.New("boom"), outcomeOther},
	}

	for _, c := range cases {
		require.Equal(t, c.want, classify(c.err), "classify(%v)", c.err)
	}
}

func TestRetryEngineIdempotentCreateIsSuccess(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	_, err := conn.Create("/x", []byte("a"), 0, nil)
	require.NoError(t, err)

	c := newTestClient(conn)
	r := testRetryEngine(c)

	err = r.run(func(conn zkConn) error {
		_, err := conn.Create("/x", []byte("b"), 0, nil)
		return err
	})
	require.NoError(t, err, "idempotent NodeExists should be treated as success")
}

func TestRetryEngineNoAuthUnderHATerminatesFenced(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	c := newTestClient(conn)
	r := testRetryEngine(c)

	err := r.run(func(conn zkConn) error {
		return zk.ErrNoAuth
	})
	require.ErrorIs(t, err, ErrStoreFenced)
	require.Equal(t, stateFenced, c.currentState())
}

func TestRetryEngineNoAuthWithoutHARetries(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	c := newTestClient(conn)
	cfg := Config{NumRetries: 3, RetryInterval: time.Millisecond, HAEnabled: false}
	r := newRetryEngine(c, cfg, func() error { return nil }, nil)

	attempts := 0
	err := r.run(func(conn zkConn) error {
		attempts++
		if attempts < 2 {
			return zk.ErrNoAuth
		}
		return nil
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, attempts, 2)
}

func TestRetryEngineTransientRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	c := newTestClient(conn)
	r := testRetryEngine(c)

	attempts := 0
	err := r.run(func(conn zkConn) error {
		attempts++
		if attempts < 3 {
			return zk.ErrConnectionClosed
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}
