package cache

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopStoryCache(t *testing.T) {
	var c StoryCache = NoopStoryCache{}
	got, err := c.Get(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, c.Invalidate(context.Background(), uuid.New()))
}

func TestKey(t *testing.T) {
	id := uuid.MustParse("8b3d2f4e-9a51-4c3e-8f59-1d2e3c4b5a69")
	assert.Equal(t, "storybook:story:8b3d2f4e-9a51-4c3e-8f59-1d2e3c4b5a69", key(id))
}
