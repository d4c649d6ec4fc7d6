package platform

import "errors"

// Sentinels for the platform's failure kinds. The wire carries
// success=false plus a message; these exist for in-process callers and
// tests that branch on the kind rather than the text.
var (
	ErrUnknownUser    = errors.New("unknown user")
	ErrUnknownAuction = errors.New("unknown auction")
	ErrBadLifecycle   = errors.New("operation not allowed in this auction phase")
	ErrUnsupportedOp  = errors.New("unsupported operation")
	ErrNotLeader      = errors.New("not the leader")
)
