package rmstore

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/samuel/go-zookeeper/zk"
	"github.com/sirupsen/logrus"
)

// ACL aliases the coordination client's ACL entry type so callers never import
// the driver package directly.
type ACL = zk.ACL

// zkConn is the narrow surface of *zk.Conn the rest of the package depends on.
// Defined as an interface (grounded on the teacher's Connection wrapping *zk.Conn
// directly, generalized one step further) so tests can substitute an in-memory
// fake without dialing a real ensemble (SPEC_FULL.md §8).
type zkConn interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Delete(path string, version int32) error
	Exists(path string) (bool, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Get(path string) ([]byte, *zk.Stat, error)
	GetW(path string) ([]byte, *zk.Stat, <-chan zk.Event, error)
	Children(path string) ([]string, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	GetACL(path string) ([]zk.ACL, *zk.Stat, error)
	SetACL(path string, acl []zk.ACL, version int32) (*zk.Stat, error)
	AddAuth(scheme string, auth []byte) error
	Sync(path string) (string, error)
	Multi(ops ...interface{}) ([]zk.MultiResponse, error)
	SessionID() int64
	State() zk.State
	Close()
}

// dialFunc abstracts zk.Connect so tests can inject a fake conn + event channel.
type dialFunc func(servers []string, sessionTimeout time.Duration) (zkConn, <-chan zk.Event, error)

func defaultDial(servers []string, sessionTimeout time.Duration) (zkConn, <-chan zk.Event, error) {
	conn, events, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, nil, err
	}
	return conn, events, nil
}

// sessionState mirrors the five states SPEC_FULL.md §4.5 names.
type sessionState int32

const (
	stateDisconnected sessionState = iota
	stateConnecting
	stateConnected
	stateExpired
	stateFenced
)

// client is the coordination client wrapper (C1), grounded on the teacher's
// Connection (connection.go): a *zk.Conn behind a sync.RWMutex, generalized with
// an explicit session-state enum, a watch-notification dedup cache, and tracked
// per-path watch channels (SPEC_FULL.md §4.1's "with watch registration").
type client struct {
	mu sync.RWMutex

	servers        []string
	sessionTimeout time.Duration
	dial           dialFunc

	conn  zkConn
	state sessionState

	connected chan struct{} // closed and replaced on every transition to Connected
	watchDone chan struct{} // closed and replaced on every close(), stops trackWatch goroutines

	watchDedup *lru.Cache // recently-notified paths, dedups redundant re-watch churn

	// reconnectHook, if set, is invoked (without c.mu held) when the session is
	// observed Expired, so an idle store recovers on its own instead of waiting
	// for the next driven operation (SPEC_FULL.md §4.1, "Expired: reconnect from
	// scratch, then sync(lastPath)").
	reconnectHook func()

	// opLock, if set, is the store-wide serialization lock (SPEC_FULL.md §5,
	// "all store operations and watch-event processing serialize on a single
	// lock"). onWatchEvent takes it before touching the dedup cache so a watch
	// firing never races a concurrent store operation.
	opLock sync.Locker

	log *logrus.Entry
}

func newClient(servers []string, sessionTimeout time.Duration, dial dialFunc, log *logrus.Entry) (*client, error) {
	dedup, err := lru.New(1024)
	if err != nil {
		return nil, err
	}
	if dial == nil {
		dial = defaultDial
	}
	return &client{
		servers:        servers,
		sessionTimeout: sessionTimeout,
		dial:           dial,
		state:          stateDisconnected,
		connected:      make(chan struct{}),
		watchDone:      make(chan struct{}),
		watchDedup:     dedup,
		log:            log,
	}, nil
}

// setReconnectHook installs the callback invoked on session expiry.
func (c *client) setReconnectHook(fn func()) {
	c.mu.Lock()
	c.reconnectHook = fn
	c.mu.Unlock()
}

// setOpLock installs the store-wide serialization lock watch-event processing
// must take (SPEC_FULL.md §5).
func (c *client) setOpLock(l sync.Locker) {
	c.mu.Lock()
	c.opLock = l
	c.mu.Unlock()
}

// connect opens a session and blocks until SyncConnected or sessionTimeout.
func (c *client) connect() error {
	c.mu.Lock()
	c.state = stateConnecting
	conn, events, err := c.dial(c.servers, c.sessionTimeout)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.conn = conn
	waitCh := c.connected
	c.mu.Unlock()

	go c.dispatch(events)

	select {
	case <-waitCh:
		return nil
	case <-time.After(c.sessionTimeout):
		return ErrSessionTimeout
	}
}

// dispatch is the single connection-state dispatcher (SPEC_FULL.md §4.1). It
// applies every transition driven by session events; connect, markFenced and
// close also set c.state, all under c.mu. Per-path
// watch notifications do not arrive here: the driver delivers those on the
// channel returned by the GetW/ChildrenW/ExistsW call that registered them, so
// they are handled by trackWatch instead.
func (c *client) dispatch(events <-chan zk.Event) {
	for ev := range events {
		c.onSessionEvent(ev)
	}
}

func (c *client) onSessionEvent(ev zk.Event) {
	c.mu.Lock()

	var hook func()
	switch ev.State {
	case zk.StateHasSession, zk.StateConnected:
		c.state = stateConnected
		close(c.connected)
		c.connected = make(chan struct{})
	case zk.StateDisconnected:
		c.state = stateDisconnected
	case zk.StateExpired:
		c.state = stateExpired
		hook = c.reconnectHook
	}

	if c.log != nil {
		c.log.WithField("zkState", ev.State.String()).Debug("session state transition")
	}
	c.mu.Unlock()

	if hook != nil {
		go hook()
	}
}

// trackWatch registers a one-shot watch channel returned by GetW/ChildrenW/
// ExistsW with the dedup cache, without blocking the caller. It exits either
// when the channel fires or when the client is closed.
func (c *client) trackWatch(ch <-chan zk.Event) {
	c.mu.RLock()
	done := c.watchDone
	c.mu.RUnlock()

	go func() {
		select {
		case ev, ok := <-ch:
			if ok {
				c.onWatchEvent(ev)
			}
		case <-done:
		}
	}()
}

func (c *client) onWatchEvent(ev zk.Event) {
	c.mu.RLock()
	opLock := c.opLock
	c.mu.RUnlock()
	if opLock != nil {
		opLock.Lock()
		defer opLock.Unlock()
	}

	if seen, _ := c.watchDedup.ContainsOrAdd(ev.Path, time.Now()); seen {
		if c.log != nil {
			c.log.WithField("path", ev.Path).Debug("dropped duplicate watch notification")
		}
		return
	}
	if c.log != nil {
		c.log.WithFields(logrus.Fields{"path": ev.Path, "type": ev.Type.String()}).Debug("watch fired")
	}
}

// waitConnected blocks until the session is usable, up to sessionTimeout.
func (c *client) waitConnected() error {
	c.mu.RLock()
	if c.state == stateConnected {
		c.mu.RUnlock()
		return nil
	}
	waitCh := c.connected
	c.mu.RUnlock()

	select {
	case <-waitCh:
		return nil
	case <-time.After(c.sessionTimeout):
		return ErrSessionTimeout
	}
}

func (c *client) markFenced() {
	c.mu.Lock()
	c.state = stateFenced
	c.mu.Unlock()
}

func (c *client) currentState() sessionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *client) sessionID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return 0
	}
	return c.conn.SessionID()
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.state = stateDisconnected
	close(c.watchDone)
	c.watchDone = make(chan struct{})
}

// addAuth registers a digest credential on the active session (SPEC_FULL.md §4.3).
func (c *client) addAuth(scheme string, auth []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.AddAuth(scheme, auth)
}

func (c *client) underlying() (zkConn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}
