package shell

import "errors"

// ErrNotPTY is returned by PTY-only operations (Resize) on a pipe-backed
// Spawned.
var ErrNotPTY = errors.New("shell: session is not PTY-backed")
