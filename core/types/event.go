package types

// Event represents a typed event emitted after a committed ledger transition.
// Attributes carry stringified values so payloads stay deterministic.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
