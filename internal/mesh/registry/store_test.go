package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dork/dork/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	store, err := NewStore(database)
	require.NoError(t, err)
	return store
}

func sampleAgent(id, path string) Agent {
	return Agent{
		ID:           id,
		Name:         "backend",
		Description:  "API server agent",
		Runtime:      RuntimeClaudeCode,
		Capabilities: []string{"code-review", "testing"},
		ProjectPath:  path,
		Namespace:    "default",
		Behavior:     BehaviorOnMention,
		Budget:       Budget{MaxHopsPerMessage: 4, MaxCallsPerHour: 60},
		RegisteredAt: NowISO(),
		RegisteredBy: "tester",
	}
}

func TestUpsertAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	want := sampleAgent("a1", "/projects/backend")
	require.NoError(t, store.Upsert(ctx, want))

	got, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, want.Name, got.Name)
	assert.Equal(t, want.Runtime, got.Runtime)
	assert.Equal(t, want.Capabilities, got.Capabilities)
	assert.Equal(t, want.Budget, got.Budget)
	assert.Equal(t, want.ProjectPath, got.ProjectPath)
	assert.False(t, got.Unreachable)

	byPath, err := store.GetByPath(ctx, "/projects/backend")
	require.NoError(t, err)
	assert.Equal(t, "a1", byPath.ID)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertReplacesPriorPathOwner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, sampleAgent("old", "/projects/shared")))
	require.NoError(t, store.Upsert(ctx, sampleAgent("new", "/projects/shared")))

	_, err := store.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := store.GetByPath(ctx, "/projects/shared")
	require.NoError(t, err)
	assert.Equal(t, "new", got.ID)

	agents, err := store.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func TestUpsertSameIDUpdates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := sampleAgent("a1", "/projects/backend")
	require.NoError(t, store.Upsert(ctx, a))

	a.Name = "backend-v2"
	a.Capabilities = []string{"deploy"}
	require.NoError(t, store.Upsert(ctx, a))

	got, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "backend-v2", got.Name)
	assert.Equal(t, []string{"deploy"}, got.Capabilities)

	agents, err := store.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func TestListFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	claude := sampleAgent("a1", "/p/one")
	cursor := sampleAgent("a2", "/p/two")
	cursor.Runtime = RuntimeCursor
	cursor.Namespace = "infra"
	cursor.Capabilities = []string{"deploy"}
	require.NoError(t, store.Upsert(ctx, claude))
	require.NoError(t, store.Upsert(ctx, cursor))

	byRuntime, err := store.List(ctx, ListFilter{Runtime: RuntimeCursor})
	require.NoError(t, err)
	require.Len(t, byRuntime, 1)
	assert.Equal(t, "a2", byRuntime[0].ID)

	byNamespace, err := store.List(ctx, ListFilter{Namespace: "default"})
	require.NoError(t, err)
	require.Len(t, byNamespace, 1)
	assert.Equal(t, "a1", byNamespace[0].ID)

	byCapability, err := store.List(ctx, ListFilter{Capability: "testing"})
	require.NoError(t, err)
	require.Len(t, byCapability, 1)
	assert.Equal(t, "a1", byCapability[0].ID)

	all, err := store.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestUpdatePartial(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, sampleAgent("a1", "/p/one")))

	name := "renamed"
	got, err := store.Update(ctx, "a1", AgentUpdate{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	// Untouched fields survive.
	assert.Equal(t, "API server agent", got.Description)
	assert.Equal(t, []string{"code-review", "testing"}, got.Capabilities)

	budget := Budget{MaxHopsPerMessage: 9, MaxCallsPerHour: 100}
	got, err = store.Update(ctx, "a1", AgentUpdate{Budget: &budget})
	require.NoError(t, err)
	assert.Equal(t, budget, got.Budget)
	assert.Equal(t, "renamed", got.Name)

	_, err = store.Update(ctx, "missing", AgentUpdate{Name: &name})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHealthTransitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, sampleAgent("a1", "/p/one")))

	seen := NowISO()
	require.NoError(t, store.UpdateHealth(ctx, "a1", seen, "heartbeat"))
	got, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, seen, got.LastSeenAt)
	assert.Equal(t, "heartbeat", got.LastSeenEvent)

	require.NoError(t, store.MarkUnreachable(ctx, "a1"))
	got, err = store.Get(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, got.Unreachable)

	cutoff := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	gone, err := store.ListUnreachableBefore(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, gone, 1)
	assert.Equal(t, "a1", gone[0].ID)

	// A fresh presence event clears the mark.
	require.NoError(t, store.UpdateHealth(ctx, "a1", NowISO(), "message"))
	got, err = store.Get(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, got.Unreachable)

	assert.ErrorIs(t, store.UpdateHealth(ctx, "missing", seen, "x"), ErrNotFound)
	assert.ErrorIs(t, store.MarkUnreachable(ctx, "missing"), ErrNotFound)
}

func TestRemove(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, sampleAgent("a1", "/p/one")))

	removed, err := store.Remove(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.Remove(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestDenials(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	d := Denial{ID: "d1", FilePath: "/projects/private", Reason: "secrets", DeniedAt: NowISO(), DeniedBy: "admin"}
	require.NoError(t, store.InsertDenial(ctx, d))

	dup := Denial{ID: "d2", FilePath: "/projects/private", DeniedAt: NowISO()}
	assert.ErrorIs(t, store.InsertDenial(ctx, dup), ErrConflict)

	denials, err := store.ListDenials(ctx)
	require.NoError(t, err)
	require.Len(t, denials, 1)
	assert.Equal(t, "secrets", denials[0].Reason)

	denied, err := store.DeniedPaths(ctx)
	require.NoError(t, err)
	assert.True(t, denied["/projects/private"])

	removed, err := store.RemoveDenial(ctx, "/projects/private")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.RemoveDenial(ctx, "/projects/private")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestComputeHealth(t *testing.T) {
	now := time.Now().UTC()
	iso := func(d time.Duration) string { return now.Add(-d).Format(time.RFC3339) }

	tests := []struct {
		name  string
		agent Agent
		want  string
	}{
		{"never seen", Agent{}, HealthStale},
		{"seen just now", Agent{LastSeenAt: iso(time.Minute)}, HealthActive},
		{"seen ten minutes ago", Agent{LastSeenAt: iso(10 * time.Minute)}, HealthInactive},
		{"seen an hour ago", Agent{LastSeenAt: iso(time.Hour)}, HealthStale},
		{"unparseable", Agent{LastSeenAt: "not-a-time"}, HealthStale},
		{"marked unreachable", Agent{LastSeenAt: iso(time.Minute), Unreachable: true}, HealthUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeHealth(&tt.agent, now))
		})
	}
}
