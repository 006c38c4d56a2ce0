package endpoint

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dork/dork/internal/db"
	"github.com/dork/dork/internal/relay/subject"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	r, err := NewRegistry(database, t.TempDir())
	require.NoError(t, err)
	return r
}

func TestRegisterIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	ep1, err := r.Register(ctx, "relay.agent.backend")
	require.NoError(t, err)
	assert.Equal(t, subject.Hash("relay.agent.backend"), ep1.Hash)
	assert.NotEmpty(t, ep1.MaildirPath)

	ep2, err := r.Register(ctx, "relay.agent.backend")
	require.NoError(t, err)
	assert.Equal(t, ep1, ep2)

	assert.Len(t, r.List(), 1)
}

func TestRegisterInvalidSubject(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register(context.Background(), "relay.agent.*")
	assert.True(t, errors.Is(err, subject.ErrInvalid))

	_, err = r.Register(context.Background(), "agent.backend")
	assert.True(t, errors.Is(err, subject.ErrInvalid))
}

func TestUnregister(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "relay.agent.backend")
	require.NoError(t, err)

	removed, err := r.Unregister(ctx, "relay.agent.backend")
	require.NoError(t, err)
	assert.True(t, removed)

	_, ok := r.Get("relay.agent.backend")
	assert.False(t, ok)

	removed, err = r.Unregister(ctx, "relay.agent.backend")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestListMatching(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	for _, subj := range []string{"relay.agent.a", "relay.agent.b", "relay.pulse.jobs"} {
		_, err := r.Register(ctx, subj)
		require.NoError(t, err)
	}

	matched := r.ListMatching("relay.agent.*")
	require.Len(t, matched, 2)
	assert.Equal(t, "relay.agent.a", matched[0].Subject)
	assert.Equal(t, "relay.agent.b", matched[1].Subject)

	matched = r.ListMatching("relay.>")
	assert.Len(t, matched, 3)

	matched = r.ListMatching("relay.agent.a")
	require.Len(t, matched, 1)
	assert.Equal(t, "relay.agent.a", matched[0].Subject)
}

func TestRegistrationsSurviveReload(t *testing.T) {
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	root := t.TempDir()
	r1, err := NewRegistry(database, root)
	require.NoError(t, err)

	_, err = r1.Register(context.Background(), "relay.agent.backend")
	require.NoError(t, err)

	// A second registry over the same database sees the persisted row.
	r2, err := NewRegistry(database, root)
	require.NoError(t, err)

	ep, ok := r2.Get("relay.agent.backend")
	assert.True(t, ok)
	assert.Equal(t, subject.Hash("relay.agent.backend"), ep.Hash)
}

func TestHashes(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "relay.agent.a")
	require.NoError(t, err)
	_, err = r.Register(ctx, "relay.agent.b")
	require.NoError(t, err)

	hashes := r.Hashes()
	assert.Len(t, hashes, 2)
}
