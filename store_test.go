package rmstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testStore(conn *fakeConn, cfg Config) *Store {
	cfg.StateStoreParentPath = "/rmstore"
	if cfg.NumRetries == 0 {
		cfg.NumRetries = 5
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = time.Millisecond
	}

	c := newTestClient(conn)
	paths := newPathBuilder(cfg.StateStoreParentPath)
	retry := newRetryEngine(c, cfg, func() error { return nil }, nil)
	f := newFencer(c, paths, retry, cfg.StateStoreRootACL, nil)

	return &Store{
		cfg:    cfg,
		paths:  paths,
		client: c,
		retry:  retry,
		fence:  f,
		live:   newLiveness(f, time.Hour, nil, nil),
		log:    newLogger("test"),
	}
}

// scenario #1: get_and_increment_epoch x3 returns 0,1,2 (SPEC_FULL.md §8)
func TestGetAndIncrementEpochSequence(t *testing.T) {
	t.Parallel()

	s := testStore(newFakeConn(), Config{})

	for want := uint64(0); want < 3; want++ {
		got, err := s.GetAndIncrementEpoch()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

// scenario #5: oversize blob under drop policy returns OK but is absent on load
// (SPEC_FULL.md §8 invariant 6)
func TestOversizeBlobDropPolicy(t *testing.T) {
	t.Parallel()

	cfg := Config{ZnodeSizeLimitBytes: 4, OversizePolicy: OversizeDrop}
	s := testStore(newFakeConn(), cfg)

	err := s.StoreApplication("app1", []byte("way too big"))
	require.NoError(t, err)

	state, err := s.LoadState()
	require.NoError(t, err)
	require.NotContains(t, state.Applications, "app1")
}

func TestOversizeBlobFailPolicy(t *testing.T) {
	t.Parallel()

	cfg := Config{ZnodeSizeLimitBytes: 4, OversizePolicy: OversizeFail}
	s := testStore(newFakeConn(), cfg)

	err := s.StoreApplication("app1", []byte("way too big"))
	require.ErrorIs(t, err, ErrBlobTooLarge)
}

// invariant 3 (SPEC_FULL.md §8): removeApplication atomically removes all attempts.
func TestRemoveApplicationRemovesAttempts(t *testing.T) {
	t.Parallel()

	s := testStore(newFakeConn(), Config{})

	require.NoError(t, s.StoreApplication("app1", []byte("state")))
	require.NoError(t, s.StoreAttempt("app1", "1", []byte("attempt1")))
	require.NoError(t, s.StoreAttempt("app1", "2", []byte("attempt2")))

	require.NoError(t, s.RemoveApplication("app1", []string{"1", "2"}))

	state, err := s.LoadState()
	require.NoError(t, err)
	require.NotContains(t, state.Applications, "app1")
}

// scenario #2 (SPEC_FULL.md §8): load_state surfaces both attempts under an
// application.
func TestLoadStateIncludesAttempts(t *testing.T) {
	t.Parallel()

	s := testStore(newFakeConn(), Config{})

	require.NoError(t, s.StoreApplication("1_1", []byte("state")))
	require.NoError(t, s.StoreAttempt("1_1", "1", []byte("a1")))
	require.NoError(t, s.StoreAttempt("1_1", "2", []byte("a2")))

	state, err := s.LoadState()
	require.NoError(t, err)
	require.Contains(t, state.Applications, "1_1")
	require.Len(t, state.Applications["1_1"].Attempts, 2)
}

// scenario #6 (SPEC_FULL.md §8): storeDelegationToken then load_state.
func TestStoreDelegationTokenThenLoad(t *testing.T) {
	t.Parallel()

	s := testStore(newFakeConn(), Config{})

	require.NoError(t, s.StoreDelegationToken(7, []byte("tok"), 7))

	state, err := s.LoadState()
	require.NoError(t, err)
	require.Contains(t, state.DelegationTokens, int64(7))
	require.Equal(t, int64(7), state.SequenceNumber)
}

func TestLoadVersionWritesCurrentWhenAbsent(t *testing.T) {
	t.Parallel()

	s := testStore(newFakeConn(), Config{})

	v, err := s.LoadVersion()
	require.NoError(t, err)
	require.Equal(t, CurrentVersion, v)
}

func TestLoadVersionMismatchMajor(t *testing.T) {
	t.Parallel()

	s := testStore(newFakeConn(), Config{})
	require.NoError(t, s.StoreVersion(Version{Major: 2, Minor: 0}))

	_, err := s.LoadVersion()
	require.ErrorIs(t, err, ErrVersionMismatch)
}

func TestApplicationIDMismatchIsFatal(t *testing.T) {
	t.Parallel()

	s := testStore(newFakeConn(), Config{})
	s.extractAppID = func(blob []byte) (string, error) {
		return "different-id", nil
	}

	require.NoError(t, s.StoreApplication("app1", []byte("state")))

	_, err := s.LoadState()
	require.ErrorIs(t, err, ErrApplicationIDMismatch)
}
