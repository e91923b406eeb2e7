package rmstore

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/samuel/go-zookeeper/zk"
	"github.com/sirupsen/logrus"
)

const fencingPrincipalUser = "rmstore-controller"

// fencer implements the fencing discipline (C3): root ACL rewrite, digest
// credential registration, and wrapping every mutation in a fenced multi-op.
// Grounded on the ephemeral-create-retry-on-NodeExists idiom in participant.go's
// createLiveInstance(), generalized to the create/delete-then-multi shape
// SPEC_FULL.md §4.3 describes.
type fencer struct {
	client    *client
	paths     pathBuilder
	retry     *retryEngine
	customACL []zk.ACL
	log       *logrus.Entry
}

func newFencer(c *client, paths pathBuilder, retry *retryEngine, customACL []zk.ACL, log *logrus.Entry) *fencer {
	return &fencer{client: c, paths: paths, retry: retry, customACL: customACL, log: log}
}

// fence rewrites the root ACL (to the digest-based fencing ACL, or to the custom
// ACL verbatim if one was supplied), deletes any stale fencing-lock witness, and
// registers the digest credential on the session (digest mode only).
// SPEC_FULL.md §4.3 steps 1-3.
func (f *fencer) fence() error {
	if f.customACL != nil {
		// Alternative ACL mode: operator-supplied ACL used verbatim, no digest
		// credential injected (SPEC_FULL.md §4.3 "Alternative ACL mode").
		if err := f.retry.run(func(conn zkConn) error {
			_, err := conn.SetACL(f.paths.root(), f.customACL, -1)
			return err
		}); err != nil {
			return err
		}
		return f.retry.run(func(conn zkConn) error {
			err := conn.Delete(f.paths.fencingLockNode(), -1)
			if err == zk.ErrNoNode {
				return nil
			}
			return err
		})
	}

	password, err := generateDigestPassword()
	if err != nil {
		return err
	}

	acl := buildFencingACL(fencingPrincipalUser, password)
	if err := f.retry.run(func(conn zkConn) error {
		_, err := conn.SetACL(f.paths.root(), acl, -1)
		return err
	}); err != nil {
		return err
	}

	if err := f.retry.run(func(conn zkConn) error {
		err := conn.Delete(f.paths.fencingLockNode(), -1)
		if err == zk.ErrNoNode {
			return nil
		}
		return err
	}); err != nil {
		return err
	}

	return f.client.addAuth("digest", []byte(fencingPrincipalUser+":"+password))
}

// buildFencingACL grants every world principal read/write/admin, and exactly
// create/delete to the digest principal (SPEC_FULL.md §3.3 invariant 5).
func buildFencingACL(user, password string) []zk.ACL {
	worldRWA := int32(zk.PermRead | zk.PermWrite | zk.PermAdmin)
	return []zk.ACL{
		{Perms: worldRWA, Scheme: "world", ID: "anyone"},
		zk.DigestACL(zk.PermCreate|zk.PermDelete, user, password)[0],
	}
}

func generateDigestPassword() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", binary.BigEndian.Uint64(b[:])), nil
}

// fencedMulti wraps ops in create(FENCING_LOCK) ... delete(FENCING_LOCK), all
// inside a single atomic multi (SPEC_FULL.md §4.3, invariant 1). A concurrent
// controller racing on the same fencing lock observes NodeExists (or NoAuth once
// its ACL rewrite has landed), giving bounded-time detection of illegitimate
// writers.
func (f *fencer) fencedMulti(ops ...interface{}) error {
	lockACL := zk.WorldACL(zk.PermAll)
	fullOps := make([]interface{}, 0, len(ops)+2)
	fullOps = append(fullOps, &zk.CreateRequest{Path: f.paths.fencingLockNode(), Data: []byte{}, Acl: lockACL, Flags: 0})
	fullOps = append(fullOps, ops...)
	fullOps = append(fullOps, &zk.DeleteRequest{Path: f.paths.fencingLockNode(), Version: -1})

	return f.retry.run(func(conn zkConn) error {
		responses, err := conn.Multi(fullOps...)
		if err != nil {
			return err
		}
		for _, resp := range responses {
			if resp.Error != nil {
				return resp.Error
			}
		}
		return nil
	})
}

// probe issues an empty fenced multi to re-assert authority. Called periodically
// by the liveness prober in store.go.
func (f *fencer) probe() error {
	return f.fencedMulti()
}
