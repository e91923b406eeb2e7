package rmstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/samuel/go-zookeeper/zk"
	"github.com/sirupsen/logrus"
)

// ApplicationState is the opaque per-application blob plus the attempt ids
// discovered as its znode children (SPEC_FULL.md §3.2). The blob itself is
// produced/consumed by the external record codec (§6); the store never
// interprets its contents beyond the optional id-extraction check on load.
type ApplicationState struct {
	ApplicationID string
	Blob          []byte
	Attempts      map[string][]byte // attempt id -> ApplicationAttemptState blob
}

// DelegationTokenRecord holds a token identifier blob keyed by its sequence
// number (SPEC_FULL.md §3.2). The store persists only Blob: no store method
// takes a renew date, and LoadState leaves RenewDate at zero.
type DelegationTokenRecord struct {
	SequenceNumber int64
	Blob           []byte
	RenewDate      int64
}

// MasterKeyRecord is an opaque DelegationKey blob keyed by id.
type MasterKeyRecord struct {
	KeyID int
	Blob  []byte
}

// RMState is the full snapshot returned by LoadState (SPEC_FULL.md §4.5).
type RMState struct {
	Applications     map[string]*ApplicationState
	MasterKeys       map[int][]byte
	DelegationTokens map[int64]DelegationTokenRecord
	SequenceNumber   int64
	AMRMState        []byte
	Version          *Version
}

// ApplicationIDExtractor optionally verifies that a loaded application blob's
// embedded id matches the znode name it was stored under (SPEC_FULL.md §4.5,
// "verifying name matches embedded id; mismatch is fatal"). The record codec
// itself is an external collaborator (§6); this is the one hook the store needs
// into it. A nil extractor skips the check.
type ApplicationIDExtractor func(blob []byte) (string, error)

// Store is the recovery & mutation API (C5), the surface the resource manager
// calls. Grounded on admin.go's Admin struct: one struct, one underlying
// connection, many verb methods.
type Store struct {
	// mu is the §5 single serialization lock: every exported read and mutation
	// method, and watch-event processing (wired via client.setOpLock), take it,
	// so the epoch read-modify-write and every other mutation are each the one
	// outstanding operation the invariant requires. Init, Start, Close and the
	// liveness prober's probes do not take it.
	mu sync.Mutex

	cfg          Config
	paths        pathBuilder
	client       *client
	retry        *retryEngine
	fence        *fencer
	live         *liveness
	metrics      *Metrics
	extractAppID ApplicationIDExtractor

	log *logrus.Entry

	onFenced FencedCallback
}

// NewStore constructs a Store from cfg without connecting. Grounded on
// manager.go's NewHelixManager/NewSpectator/NewParticipant factories, folded
// into a single constructor since the RM store has no spectator/participant
// split.
func NewStore(cfg Config, onFenced FencedCallback) (*Store, error) {
	if cfg.ZKAddress == "" {
		return nil, ErrMissingAddress
	}

	log := newLogger("rmstore")
	servers := splitAddresses(cfg.ZKAddress)

	c, err := newClient(servers, cfg.SessionTimeout, nil, log)
	if err != nil {
		return nil, err
	}

	s := &Store{
		cfg:      cfg,
		paths:    newPathBuilder(cfg.StateStoreParentPath),
		client:   c,
		log:      log,
		onFenced: onFenced,
	}

	s.retry = newRetryEngine(c, cfg, s.reconnect, log)
	s.fence = newFencer(c, s.paths, s.retry, cfg.StateStoreRootACL, log)
	s.live = newLiveness(s.fence, cfg.SessionTimeout, s.handleFenced, log)

	c.setOpLock(&s.mu)
	c.setReconnectHook(func() {
		if err := s.reconnect(); err != nil && log != nil {
			log.WithField("err", err).Warn("background reconnect after session expiry failed")
		}
	})

	return s, nil
}

// WithMetrics attaches a Metrics set, registered by the caller.
func (s *Store) WithMetrics(m *Metrics) *Store {
	s.metrics = m
	s.retry.metrics = m
	return s
}

// WithApplicationIDExtractor installs the id-matching hook used during
// LoadState (SPEC_FULL.md §4.5).
func (s *Store) WithApplicationIDExtractor(fn ApplicationIDExtractor) *Store {
	s.extractAppID = fn
	return s
}

// splitAddresses parses the comma-separated zk.address config value, grounded
// on connection.go's Connect(): strings.Split(strings.TrimSpace(conn.zkSvr), ",").
func splitAddresses(addr string) []string {
	return strings.Split(strings.TrimSpace(addr), ",")
}

func (s *Store) reconnect() error {
	s.client.close()
	if err := s.client.connect(); err != nil {
		return err
	}
	_, err := s.client.underlying()
	if err != nil {
		return err
	}
	conn, err := s.client.underlying()
	if err != nil {
		return err
	}
	if _, err := conn.Sync(s.paths.root()); err != nil {
		return err
	}
	return nil
}

func (s *Store) handleFenced(err error) {
	s.client.markFenced()
	if s.metrics != nil {
		s.metrics.FencingLost.Inc()
	}
	if s.onFenced != nil {
		s.onFenced(ErrStoreFenced)
	}
}

// Init connects and ensures the root znode tree exists (SPEC_FULL.md §3.1),
// grounded on admin.go's AddCluster sequence of CreateEmptyNode calls.
func (s *Store) Init(ctx context.Context) error {
	if err := s.client.connect(); err != nil {
		return err
	}
	for _, dir := range s.paths.allDirectories() {
		if err := s.ensureDir(dir); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ensureDir(path string) error {
	return s.retry.run(func(conn zkConn) error {
		exists, _, err := conn.Exists(path)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		_, err = conn.Create(path, []byte{}, 0, zk.WorldACL(zk.PermAll))
		return err
	})
}

// Start fences the store and launches the liveness prober (SPEC_FULL.md §2's
// control-flow pattern: "init then start ... connects, creates root tree,
// fences, then launches the liveness prober").
func (s *Store) Start(ctx context.Context) error {
	if err := s.fence.fence(); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.FencingAcquired.Inc()
	}
	s.live.start(ctx)
	return nil
}

// Close stops the liveness prober and the underlying session (SPEC_FULL.md §5,
// "Cancellation").
func (s *Store) Close(ctx context.Context) error {
	s.live.stop()
	s.client.close()
	return nil
}

func (s *Store) timeWrite(fn func() error) error {
	if s.metrics == nil {
		return fn()
	}
	start := time.Now()
	err := fn()
	s.metrics.WriteLatency.Observe(time.Since(start).Seconds())
	return err
}

// checkBlobSize enforces the configured oversize policy (SPEC_FULL.md §4.4,
// resolving the spec's oversize-blob Open Question).
func (s *Store) checkBlobSize(blob []byte) (skip bool, err error) {
	if s.cfg.ZnodeSizeLimitBytes <= 0 || len(blob) <= s.cfg.ZnodeSizeLimitBytes {
		return false, nil
	}
	if s.cfg.OversizePolicy == OversizeFail {
		return false, ErrBlobTooLarge
	}
	s.log.WithField("size", len(blob)).Warn("dropping oversize blob under drop policy")
	return true, nil
}

// StoreApplication creates the application znode if its blob fits the size
// limit (SPEC_FULL.md §4.5).
func (s *Store) StoreApplication(appID string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if skip, err := s.checkBlobSize(blob); err != nil {
		return err
	} else if skip {
		return nil
	}
	return s.timeWrite(func() error {
		return s.fence.fencedMulti(&zk.CreateRequest{
			Path: s.paths.appPath(appID), Data: blob, Acl: zk.WorldACL(zk.PermAll), Flags: 0,
		})
	})
}

// UpdateApplication setData's the application znode if it exists, else creates
// it (SPEC_FULL.md §4.5).
func (s *Store) UpdateApplication(appID string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if skip, err := s.checkBlobSize(blob); err != nil {
		return err
	} else if skip {
		return nil
	}
	path := s.paths.appPath(appID)
	exists, err := s.exists(path)
	if err != nil {
		return err
	}
	return s.timeWrite(func() error {
		if exists {
			return s.fence.fencedMulti(&zk.SetDataRequest{Path: path, Data: blob, Version: -1})
		}
		return s.fence.fencedMulti(&zk.CreateRequest{Path: path, Data: blob, Acl: zk.WorldACL(zk.PermAll), Flags: 0})
	})
}

// StoreAttempt and UpdateAttempt mirror StoreApplication/UpdateApplication under
// the parent application's znode (SPEC_FULL.md §4.5).
func (s *Store) StoreAttempt(appID, attemptID string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if skip, err := s.checkBlobSize(blob); err != nil {
		return err
	} else if skip {
		return nil
	}
	return s.timeWrite(func() error {
		return s.fence.fencedMulti(&zk.CreateRequest{
			Path: s.paths.attemptPath(appID, attemptID), Data: blob, Acl: zk.WorldACL(zk.PermAll), Flags: 0,
		})
	})
}

func (s *Store) UpdateAttempt(appID, attemptID string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if skip, err := s.checkBlobSize(blob); err != nil {
		return err
	} else if skip {
		return nil
	}
	path := s.paths.attemptPath(appID, attemptID)
	exists, err := s.exists(path)
	if err != nil {
		return err
	}
	return s.timeWrite(func() error {
		if exists {
			return s.fence.fencedMulti(&zk.SetDataRequest{Path: path, Data: blob, Version: -1})
		}
		return s.fence.fencedMulti(&zk.CreateRequest{Path: path, Data: blob, Acl: zk.WorldACL(zk.PermAll), Flags: 0})
	})
}

// RemoveApplication atomically removes every attempt znode and the application
// znode itself in one fenced multi (SPEC_FULL.md §3.3 invariant 2).
func (s *Store) RemoveApplication(appID string, attemptIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops := make([]interface{}, 0, len(attemptIDs)+1)
	for _, attemptID := range attemptIDs {
		ops = append(ops, &zk.DeleteRequest{Path: s.paths.attemptPath(appID, attemptID), Version: -1})
	}
	ops = append(ops, &zk.DeleteRequest{Path: s.paths.appPath(appID), Version: -1})
	return s.timeWrite(func() error {
		return s.fence.fencedMulti(ops...)
	})
}

// StoreDelegationToken creates the token znode and advances the sequence
// number in one fenced multi (SPEC_FULL.md §4.5). The sequence-number znode is
// setData'd when it exists and created by the first store otherwise.
func (s *Store) StoreDelegationToken(seq int64, blob []byte, latestSeq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seqPath := s.paths.dtSequentialNumberNode()
	seqExists, err := s.exists(seqPath)
	if err != nil {
		return err
	}
	seqOp := interface{}(&zk.SetDataRequest{Path: seqPath, Data: seqBytes(latestSeq), Version: -1})
	if !seqExists {
		seqOp = &zk.CreateRequest{Path: seqPath, Data: seqBytes(latestSeq), Acl: zk.WorldACL(zk.PermAll), Flags: 0}
	}
	return s.timeWrite(func() error {
		return s.fence.fencedMulti(
			&zk.CreateRequest{Path: s.paths.delegationTokenPath(seq), Data: blob, Acl: zk.WorldACL(zk.PermAll), Flags: 0},
			seqOp,
		)
	})
}

// UpdateDelegationToken setData's the token if present (else creates it) and
// always setData's the sequence number (SPEC_FULL.md §4.5).
func (s *Store) UpdateDelegationToken(seq int64, blob []byte, latestSeq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.paths.delegationTokenPath(seq)
	exists, err := s.exists(path)
	if err != nil {
		return err
	}
	tokenOp := interface{}(&zk.CreateRequest{Path: path, Data: blob, Acl: zk.WorldACL(zk.PermAll), Flags: 0})
	if exists {
		tokenOp = &zk.SetDataRequest{Path: path, Data: blob, Version: -1}
	}
	return s.timeWrite(func() error {
		return s.fence.fencedMulti(
			tokenOp,
			&zk.SetDataRequest{Path: s.paths.dtSequentialNumberNode(), Data: seqBytes(latestSeq), Version: -1},
		)
	})
}

// RemoveDelegationToken deletes the token znode.
func (s *Store) RemoveDelegationToken(seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeWrite(func() error {
		return s.fence.fencedMulti(&zk.DeleteRequest{Path: s.paths.delegationTokenPath(seq), Version: -1})
	})
}

// StoreMasterKey and RemoveMasterKey create/delete a DelegationKey znode.
func (s *Store) StoreMasterKey(keyID int, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeWrite(func() error {
		return s.fence.fencedMulti(&zk.CreateRequest{
			Path: s.paths.masterKeyPath(keyID), Data: blob, Acl: zk.WorldACL(zk.PermAll), Flags: 0,
		})
	})
}

func (s *Store) RemoveMasterKey(keyID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeWrite(func() error {
		return s.fence.fencedMulti(&zk.DeleteRequest{Path: s.paths.masterKeyPath(keyID), Version: -1})
	})
}

// StoreOrUpdateAMRMState setData's the AM-RM secret manager state blob.
func (s *Store) StoreOrUpdateAMRMState(blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeWrite(func() error {
		exists, err := s.exists(s.paths.amrmRoot())
		if err != nil {
			return err
		}
		if !exists {
			return s.fence.fencedMulti(&zk.CreateRequest{
				Path: s.paths.amrmRoot(), Data: blob, Acl: zk.WorldACL(zk.PermAll), Flags: 0,
			})
		}
		return s.fence.fencedMulti(&zk.SetDataRequest{Path: s.paths.amrmRoot(), Data: blob, Version: -1})
	})
}

// GetAndIncrementEpoch performs the read-modify-write increment within a single
// fenced execution (SPEC_FULL.md §3.3 invariant 3, §4.5). The whole
// read-then-write sequence runs under the §5 store lock: without it, two
// concurrent activations could both read the same current value and both
// return it.
func (s *Store) GetAndIncrementEpoch() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.paths.epochNode()
	exists, err := s.exists(path)
	if err != nil {
		return 0, err
	}

	if !exists {
		blob, merr := epochToRecord(1).Marshal()
		if merr != nil {
			return 0, merr
		}
		if err := s.fence.fencedMulti(&zk.CreateRequest{Path: path, Data: blob, Acl: zk.WorldACL(zk.PermAll), Flags: 0}); err != nil {
			return 0, err
		}
		if s.metrics != nil {
			s.metrics.CurrentEpoch.Set(1)
		}
		return 0, nil
	}

	raw, err := s.get(path)
	if err != nil {
		return 0, err
	}
	rec, err := NewRecordFromBytes(raw)
	if err != nil {
		return 0, err
	}
	current := epochFromRecord(rec)

	next := current + 1
	blob, err := epochToRecord(next).Marshal()
	if err != nil {
		return 0, err
	}
	if err := s.fence.fencedMulti(&zk.SetDataRequest{Path: path, Data: blob, Version: -1}); err != nil {
		return 0, err
	}
	if s.metrics != nil {
		s.metrics.CurrentEpoch.Set(float64(next))
	}
	return current, nil
}

// StoreVersion writes the current version, create-or-setData (SPEC_FULL.md §4.5).
func (s *Store) StoreVersion(v Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeVersionLocked(v)
}

// storeVersionLocked is StoreVersion's body, callable by other Store methods
// that already hold s.mu (SPEC_FULL.md §5's single serialization lock is not
// reentrant).
func (s *Store) storeVersionLocked(v Version) error {
	path := s.paths.versionNode()
	blob, err := versionToRecord(v).Marshal()
	if err != nil {
		return err
	}
	exists, err := s.exists(path)
	if err != nil {
		return err
	}
	return s.timeWrite(func() error {
		if exists {
			return s.fence.fencedMulti(&zk.SetDataRequest{Path: path, Data: blob, Version: -1})
		}
		return s.fence.fencedMulti(&zk.CreateRequest{Path: path, Data: blob, Acl: zk.WorldACL(zk.PermAll), Flags: 0})
	})
}

// LoadVersion reads the persisted version. If absent, it writes and returns
// CurrentVersion. If present with a differing major component, it returns
// ErrVersionMismatch (SPEC_FULL.md §4.5, resolving the version-mismatch Open
// Question).
func (s *Store) LoadVersion() (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadVersionLocked()
}

func (s *Store) loadVersionLocked() (Version, error) {
	path := s.paths.versionNode()
	exists, err := s.exists(path)
	if err != nil {
		return Version{}, err
	}
	if !exists {
		if err := s.storeVersionLocked(CurrentVersion); err != nil {
			return Version{}, err
		}
		return CurrentVersion, nil
	}

	raw, err := s.get(path)
	if err != nil {
		return Version{}, err
	}
	rec, err := NewRecordFromBytes(raw)
	if err != nil {
		return Version{}, err
	}
	v := versionFromRecord(rec)
	if v.Major != CurrentVersion.Major {
		return v, ErrVersionMismatch
	}
	return v, nil
}

// LoadState returns a full snapshot (SPEC_FULL.md §4.5).
func (s *Store) LoadState() (*RMState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := &RMState{
		Applications:     map[string]*ApplicationState{},
		MasterKeys:       map[int][]byte{},
		DelegationTokens: map[int64]DelegationTokenRecord{},
	}

	if err := s.loadMasterKeys(state); err != nil {
		return nil, err
	}
	if err := s.loadSequenceNumber(state); err != nil {
		return nil, err
	}
	if err := s.loadDelegationTokens(state); err != nil {
		return nil, err
	}
	if err := s.loadApplications(state); err != nil {
		return nil, err
	}
	if err := s.loadAMRMState(state); err != nil {
		return nil, err
	}

	v, err := s.loadVersionLocked()
	if err != nil && err != ErrVersionMismatch {
		return nil, err
	}
	state.Version = &v

	return state, nil
}

func (s *Store) loadMasterKeys(state *RMState) error {
	children, err := s.children(s.paths.dtMasterKeysRoot())
	if err != nil {
		return err
	}
	for _, name := range children {
		var keyID int
		if _, err := fmt.Sscanf(name, delegationKeyPrefix+"%d", &keyID); err != nil {
			s.log.WithField("child", name).Warn("skipping unrecognized master key child")
			continue
		}
		blob, err := s.get(s.paths.masterKeyPath(keyID))
		if err != nil {
			return err
		}
		state.MasterKeys[keyID] = blob
	}
	return nil
}

func (s *Store) loadSequenceNumber(state *RMState) error {
	exists, err := s.exists(s.paths.dtSequentialNumberNode())
	if err != nil || !exists {
		return err
	}
	blob, err := s.get(s.paths.dtSequentialNumberNode())
	if err != nil {
		return err
	}
	state.SequenceNumber = bytesToSeq(blob)
	return nil
}

func (s *Store) loadDelegationTokens(state *RMState) error {
	children, err := s.children(s.paths.dtTokensRoot())
	if err != nil {
		return err
	}
	for _, name := range children {
		var seq int64
		if _, err := fmt.Sscanf(name, delegationTokenPrefix+"%d", &seq); err != nil {
			s.log.WithField("child", name).Warn("skipping unrecognized delegation token child")
			continue
		}
		blob, err := s.get(s.paths.delegationTokenPath(seq))
		if err != nil {
			return err
		}
		state.DelegationTokens[seq] = DelegationTokenRecord{SequenceNumber: seq, Blob: blob}
	}
	return nil
}

func (s *Store) loadApplications(state *RMState) error {
	children, err := s.children(s.paths.appRoot())
	if err != nil {
		return err
	}
	for _, name := range children {
		if len(name) <= len(applicationPrefix) || name[:len(applicationPrefix)] != applicationPrefix {
			s.log.WithField("child", name).Warn("skipping unrecognized application child")
			continue
		}
		appID := name[len(applicationPrefix):]
		appPath := s.paths.appPath(appID)

		blob, err := s.get(appPath)
		if err != nil {
			return err
		}

		if s.extractAppID != nil {
			embedded, err := s.extractAppID(blob)
			if err != nil {
				return err
			}
			if embedded != appID {
				return ErrApplicationIDMismatch
			}
		}

		app := &ApplicationState{ApplicationID: appID, Blob: blob, Attempts: map[string][]byte{}}

		attemptNames, err := s.children(appPath)
		if err != nil {
			return err
		}
		for _, attemptName := range attemptNames {
			if len(attemptName) <= len(attemptPrefix) || attemptName[:len(attemptPrefix)] != attemptPrefix {
				s.log.WithField("child", attemptName).Warn("skipping unrecognized attempt child")
				continue
			}
			attemptID := attemptName[len(attemptPrefix):]
			attemptBlob, err := s.get(s.paths.attemptPath(appID, attemptID))
			if err != nil {
				return err
			}
			app.Attempts[attemptID] = attemptBlob
		}

		state.Applications[appID] = app
	}
	return nil
}

func (s *Store) loadAMRMState(state *RMState) error {
	exists, err := s.exists(s.paths.amrmRoot())
	if err != nil || !exists {
		return err
	}
	blob, err := s.get(s.paths.amrmRoot())
	if err != nil {
		return err
	}
	state.AMRMState = blob
	return nil
}

// exists, get, and children all register a fresh one-shot watch on every call
// via the *W variants (SPEC_FULL.md §4.1 "with watch registration", §4.5
// "watches are re-registered on every read during load"). The returned channel
// is handed to the client's tracker rather than consumed here: a mutation by a
// would-be peer after a fenced rewrite surfaces as a dedup'd log line today, and
// is the hook a future cache-invalidation path would consume.
func (s *Store) exists(path string) (bool, error) {
	var result bool
	err := s.retry.run(func(conn zkConn) error {
		r, _, ch, err := conn.ExistsW(path)
		if err != nil {
			return err
		}
		result = r
		s.client.trackWatch(ch)
		return nil
	})
	return result, err
}

func (s *Store) get(path string) ([]byte, error) {
	var data []byte
	err := s.retry.run(func(conn zkConn) error {
		d, _, ch, err := conn.GetW(path)
		if err != nil {
			return err
		}
		data = d
		s.client.trackWatch(ch)
		return nil
	})
	return data, err
}

func (s *Store) children(path string) ([]string, error) {
	var result []string
	err := s.retry.run(func(conn zkConn) error {
		c, _, ch, err := conn.ChildrenW(path)
		if err != nil {
			return err
		}
		result = c
		s.client.trackWatch(ch)
		return nil
	})
	return result, err
}

func seqBytes(seq int64) []byte {
	return []byte(fmt.Sprintf("%d", seq))
}

func bytesToSeq(b []byte) int64 {
	var n int64
	fmt.Sscanf(string(b), "%d", &n)
	return n
}
