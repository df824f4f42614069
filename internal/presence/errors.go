package presence

import "errors"

// Sentinel errors surfaced to the signaling layer. Messages are short and
// display-ready; the router forwards them verbatim in error events.
var (
	ErrSessionNotFound     = errors.New("Session not found")
	ErrParticipantNotFound = errors.New("Participant not found")
)
