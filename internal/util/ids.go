package util

import "github.com/google/uuid"

// GenerateSessionID returns a new dialog session identifier with an "s_" prefix.
func GenerateSessionID() string {
	return "s_" + uuid.NewString()
}

// GenerateEventID returns a new event identifier for published turn events.
func GenerateEventID() string {
	return uuid.NewString()
}
