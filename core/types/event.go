package types

// Event is a typed record of a committed state transition, rendered as a
// flat attribute map for downstream consumers (logs, indexers, webhooks).
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
