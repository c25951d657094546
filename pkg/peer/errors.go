package peer

import "github.com/pkg/errors"

// ErrNotConnected indicates the peer has no live connection to the tracker.
var ErrNotConnected = errors.New("not connected")

// ErrAlreadyConnected indicates Connect was called twice.
var ErrAlreadyConnected = errors.New("already connected")

// ErrSearchInProgress indicates the client is still waiting for a previous result.
var ErrSearchInProgress = errors.New("search already in progress")

// ErrSearchTimeout indicates the tracker did not report a result in time.
var ErrSearchTimeout = errors.New("search timed out")
