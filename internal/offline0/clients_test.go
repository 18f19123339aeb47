package offline0

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRegistry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewClientRegistry(clock)
	ctx := context.Background()

	a := r.Register("http://app.test/a")
	assert.NotEmpty(t, a.ID)
	assert.Empty(t, a.Generation)

	require.NoError(t, r.Claim(ctx, "g7"))
	clock.Advance(time.Minute)
	b := r.Register("http://app.test/b")
	assert.Equal(t, "g7", b.Generation, "new clients join the claimed generation")

	all, err := r.MatchAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, a.ID, all[0].ID)
	assert.Equal(t, "g7", all[0].Generation)

	nav, err := r.Navigate(ctx, b.ID, "/c")
	require.NoError(t, err)
	assert.True(t, nav.Focused)
	assert.Equal(t, "/c", nav.URL)

	_, err = r.Navigate(ctx, "missing", "/")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, r.Unregister(a.ID))
	assert.ErrorIs(t, r.Unregister(a.ID), ErrNotFound)

	all, err = r.MatchAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
