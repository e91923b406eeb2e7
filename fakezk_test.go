package rmstore

import (
	"sync"

	"github.com/samuel/go-zookeeper/zk"
)

// fakeNode is one entry in the fake ZK tree.
type fakeNode struct {
	data    []byte
	acl     []zk.ACL
	version int32
}

// fakeConn is an in-memory zkConn used to exercise C2/C3/C5 without a live
// ensemble (SPEC_FULL.md §8). Grounded on the gap the teacher's own
// testing.Short()-skipped ZK tests leave (they never run without a real
// cluster); this fake fills that gap.
type fakeConn struct {
	mu sync.Mutex

	nodes map[string]*fakeNode

	// failNoAuth, when true, makes the next multi op return ErrNoAuth once.
	failNoAuth bool

	sessionID int64
	state     zk.State
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		nodes:     map[string]*fakeNode{},
		sessionID: 1,
		state:     zk.StateHasSession,
	}
}

func (f *fakeConn) Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[path]; ok {
		return "", zk.ErrNodeExists
	}
	f.nodes[path] = &fakeNode{data: data, acl: acl}
	return path, nil
}

func (f *fakeConn) Set(path string, data []byte, version int32) (*zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[path]
	if !ok {
		return nil, zk.ErrNoNode
	}
	n.data = data
	n.version++
	return &zk.Stat{Version: n.version}, nil
}

func (f *fakeConn) Delete(path string, version int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[path]; !ok {
		return zk.ErrNoNode
	}
	delete(f.nodes, path)
	return nil
}

func (f *fakeConn) Exists(path string) (bool, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[path]
	if !ok {
		return false, nil, nil
	}
	return true, &zk.Stat{Version: n.version}, nil
}

func (f *fakeConn) ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error) {
	exists, stat, err := f.Exists(path)
	ch := make(chan zk.Event)
	return exists, stat, ch, err
}

func (f *fakeConn) Get(path string) ([]byte, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[path]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	return n.data, &zk.Stat{Version: n.version}, nil
}

func (f *fakeConn) GetW(path string) ([]byte, *zk.Stat, <-chan zk.Event, error) {
	data, stat, err := f.Get(path)
	ch := make(chan zk.Event)
	return data, stat, ch, err
}

func (f *fakeConn) Children(path string) ([]string, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := path + "/"
	var children []string
	for p := range f.nodes {
		if len(p) > len(prefix) && p[:len(prefix)] == prefix {
			rest := p[len(prefix):]
			direct := true
			for _, c := range rest {
				if c == '/' {
					direct = false
					break
				}
			}
			if direct {
				children = append(children, rest)
			}
		}
	}
	return children, &zk.Stat{}, nil
}

func (f *fakeConn) ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error) {
	children, stat, err := f.Children(path)
	ch := make(chan zk.Event)
	return children, stat, ch, err
}

func (f *fakeConn) GetACL(path string) ([]zk.ACL, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[path]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	return n.acl, &zk.Stat{Version: n.version}, nil
}

func (f *fakeConn) SetACL(path string, acl []zk.ACL, version int32) (*zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[path]
	if !ok {
		n = &fakeNode{}
		f.nodes[path] = n
	}
	n.acl = acl
	return &zk.Stat{Version: n.version}, nil
}

func (f *fakeConn) AddAuth(scheme string, auth []byte) error {
	return nil
}

func (f *fakeConn) Sync(path string) (string, error) {
	return path, nil
}

func (f *fakeConn) Multi(ops ...interface{}) ([]zk.MultiResponse, error) {
	f.mu.Lock()
	forceNoAuth := f.failNoAuth
	f.failNoAuth = false
	f.mu.Unlock()

	if forceNoAuth {
		return nil, zk.ErrNoAuth
	}

	responses := make([]zk.MultiResponse, len(ops))
	for i, op := range ops {
		var err error
		switch r := op.(type) {
		case *zk.CreateRequest:
			_, err = f.Create(r.Path, r.Data, r.Flags, r.Acl)
		case *zk.SetDataRequest:
			_, err = f.Set(r.Path, r.Data, r.Version)
		case *zk.DeleteRequest:
			err = f.Delete(r.Path, r.Version)
		}
		responses[i] = zk.MultiResponse{Error: err}
		if err != nil {
			return responses, nil
		}
	}
	return responses, nil
}

func (f *fakeConn) SessionID() int64 {
	return f.sessionID
}

func (f *fakeConn) State() zk.State {
	return f.state
}

func (f *fakeConn) Close() {}

// newTestClient builds a client already wired to a fakeConn and marked
// connected, bypassing connect()'s real dial.
func newTestClient(conn *fakeConn) *client {
	c, err := newClient(nil, 0, nil, nil)
	if err != nil {
		panic(err)
	}
	c.conn = conn
	c.state = stateConnected
	close(c.connected)
	c.connected = make(chan struct{})
	return c
}
