package recording

import "errors"

// Sentinel errors for expected conditions. Messages are display-ready; the
// signaling router and HTTP handlers forward them to clients verbatim.
var (
	ErrAlreadyRecording  = errors.New("Recording already in progress for this session")
	ErrNoActiveRecording = errors.New("No active recording for this session")
	ErrStopInProgress    = errors.New("Stop already in progress for this session")
)
