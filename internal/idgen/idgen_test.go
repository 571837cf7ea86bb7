package idgen

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IsUUID(t *testing.T) {
	_, err := uuid.Parse(New())
	require.NoError(t, err)
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix(PrefixOffer)
	assert.True(t, HasPrefix(id, PrefixOffer))
	assert.False(t, HasPrefix(id, PrefixDispute))
	assert.NotEqual(t, id, WithPrefix(PrefixOffer))
}
