package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// GenerateID generates a random ID with prefix
func GenerateID(prefix string) string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(b))
}

// GenerateConnectionID returns the opaque identity of one transport session.
func GenerateConnectionID() string {
	return uuid.NewString()
}

// GenerateInstanceID identifies one server process on the shared event bus.
func GenerateInstanceID() string {
	return GenerateID("instance")
}
