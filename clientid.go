package flowmq

import "github.com/google/uuid"

// generateClientID produces a unique client identifier when the caller does
// not supply one, following the same "prefix-uuid" convention used by other
// MQTT clients in the wild.
func generateClientID() string {
	return "flowmq-" + uuid.NewString()
}
