package idgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix(PrefixEscrow)
	assert.True(t, HasPrefix(id, PrefixEscrow), id)
	assert.False(t, HasPrefix(id, PrefixOrder))
	assert.NotEqual(t, id, WithPrefix(PrefixEscrow))
}

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		assert.Len(t, id, 36)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}
