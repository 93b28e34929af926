// Package testutil holds test doubles shared across packages.
package testutil

// FixedIDGenerator returns the same transaction ID every time.
//
// Golden output that prints transaction IDs stays byte-identical between runs.
//
// Thread-safety: FixedIDGenerator is stateless and safe for concurrent use.
type FixedIDGenerator struct {
	id string
}

// NewFixedIDGenerator creates a generator returning id.
// If id is empty, Generate returns "tx-fixed".
func NewFixedIDGenerator(id string) *FixedIDGenerator {
	if id == "" {
		id = "tx-fixed"
	}
	return &FixedIDGenerator{id: id}
}

// Generate implements txn.IDGenerator.
func (g *FixedIDGenerator) Generate() string {
	return g.id
}
