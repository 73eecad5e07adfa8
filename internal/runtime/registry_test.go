package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// EngineFor itself needs a live Postgres (store.Bots.GetByID) and is
// exercised at the integration level, not here; Invalidate is the one
// piece of pure cache bookkeeping worth a unit test.
func TestInvalidateDropsCachedEngine(t *testing.T) {
	r := &Registry{bots: map[int64]*wiredBot{7: {}}}
	r.Invalidate(7)
	_, ok := r.bots[7]
	assert.False(t, ok)
}
