package rmstore

import "errors"

var (
	// ErrStoreFenced means this controller's credentials have been fenced out by a
	// newer active controller. Terminal: the caller must step down.
	ErrStoreFenced = errors.New("rmstore: store fenced, lost exclusive create/delete authority")

	// ErrSessionTimeout means the coordination client never reached Connected state
	// within sessionTimeout.
	ErrSessionTimeout = errors.New("rmstore: timed out waiting for session to connect")

	// ErrVersionMismatch means the persisted version node's major component differs
	// from the running binary's.
	ErrVersionMismatch = errors.New("rmstore: persisted version is not compatible with this binary")

	// ErrBlobTooLarge means a blob exceeded znodeSizeLimitBytes under the "fail"
	// oversize policy.
	ErrBlobTooLarge = errors.New("rmstore: blob exceeds znode size limit")

	// ErrApplicationIDMismatch means a loaded application znode's embedded id does
	// not match the znode name it was stored under.
	ErrApplicationIDMismatch = errors.New("rmstore: application id does not match znode name")

	// ErrNotConnected means an operation was attempted before Init() established a
	// session.
	ErrNotConnected = errors.New("rmstore: not connected")

	// ErrRetriesExhausted means numRetries was exceeded without success.
	ErrRetriesExhausted = errors.New("rmstore: retry budget exhausted")

	// ErrMissingAddress means zk.address was not configured.
	ErrMissingAddress = errors.New("rmstore: zk.address is required")
)
