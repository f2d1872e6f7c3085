package contexts

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/agentrun/pkg/agents"
)

func res(id, data string, mode InjectionMode, sort int) Resource {
	return Resource{ID: id, Name: id, Data: data, InjectionMode: mode, SortOrder: sort, ResourceTypeID: "text"}
}

func fixtureStores() (*MemoryStore, *agents.MemoryStore) {
	store := NewMemoryStore(
		&Context{ID: "brand", Name: "Brand", Resources: []Resource{
			res("tone", "profile tone", InjectionModeAlways, 1),
			res("legal", "profile legal", InjectionModeOnDemand, 0),
		}},
		&Context{ID: "style", Name: "Style", Resources: []Resource{
			res("style", "agent style", InjectionModeAlways, 0),
		}},
		&Context{ID: "campaign", Name: "Campaign", Resources: []Resource{
			res("tone", "prompt tone", InjectionModeAlways, 0),
			res("future", "not yet", InjectionMode("embedded"), 1),
		}},
		&Context{ID: "page", Name: "Page", Resources: []Resource{
			res("page", "content page", InjectionModeOnDemand, 0),
		}},
	)

	as := agents.NewMemoryStore()
	as.PutProfile(&agents.Profile{ID: "p1", Name: "Default profile", ContextIDs: []string{"brand"}})
	as.PutAgent(&agents.Agent{ID: "a1", Name: "Writer", Active: true, ProfileID: "p1", ContextIDs: []string{"missing", "style"}})
	return store, as
}

func ids(rs []Resource) []string {
	ret := make([]string, 0, len(rs))
	for _, r := range rs {
		ret = append(ret, r.ID)
	}
	return ret
}

func TestResolve_PrecedenceRemovesThenReinserts(t *testing.T) {
	store, as := fixtureStores()
	r := NewResolver(store, WithLevelResolvers(DefaultLevelResolvers(as)...))

	rc, err := r.Resolve(context.Background(), Request{
		AgentID: "a1",
		Items: []Item{
			{Key: KeyPromptContextIDs, Value: "campaign"},
			{Key: KeyPromptName, Value: "Spring launch"},
			{Key: KeyContentContextIDs, Value: `["page"]`},
		},
	})
	require.NoError(t, err)

	// legal(profile, sort 0), style(agent), tone(prompt, moved to the end of its level), future, page
	require.Equal(t, []string{"legal", "style", "tone", "future", "page"}, ids(rc.AllResources))

	var tone Resource
	count := 0
	for _, r := range rc.AllResources {
		if r.ID == "tone" {
			tone = r
			count++
		}
	}
	require.Equal(t, 1, count)
	require.Equal(t, "prompt tone", tone.Data)
	require.Equal(t, "Campaign", tone.ContextName)

	require.Equal(t, []string{"style", "tone"}, ids(rc.InjectedResources))
	require.Equal(t, []string{"legal", "page"}, ids(rc.OnDemandResources))

	require.Equal(t, []Source{
		{Level: LevelProfile, EntityName: "Default profile", ContextID: "brand", ContextName: "Brand"},
		{Level: LevelAgent, EntityName: "Writer", ContextID: "style", ContextName: "Style"},
		{Level: LevelPrompt, EntityName: "Spring launch", ContextID: "campaign", ContextName: "Campaign"},
		{Level: LevelContent, ContextID: "page", ContextName: "Page"},
	}, rc.Sources)
}

func TestResolve_IndependentOfResolverRegistrationOrder(t *testing.T) {
	store, as := fixtureStores()
	levels := DefaultLevelResolvers(as)
	reversed := []LevelResolver{levels[3], levels[2], levels[1], levels[0]}

	req := Request{AgentID: "a1", Items: []Item{{Key: KeyPromptContextIDs, Value: "campaign"}}}
	a, err := NewResolver(store, WithLevelResolvers(levels...)).Resolve(context.Background(), req)
	require.NoError(t, err)
	b, err := NewResolver(store, WithLevelResolvers(reversed...)).Resolve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestResolve_StoreFailureIsDiagnosticNotError(t *testing.T) {
	store, as := fixtureStores()
	failing := StoreFunc(func(ctx context.Context, id string) (*Context, error) {
		if id == "style" {
			return nil, errors.New("disk on fire")
		}
		return store.GetContextByID(ctx, id)
	})

	var diags []Diagnostic
	r := NewResolver(failing,
		WithLevelResolvers(DefaultLevelResolvers(as)...),
		WithDiagnostics(func(d Diagnostic) { diags = append(diags, d) }),
	)
	rc, err := r.Resolve(context.Background(), Request{
		AgentID: "a1",
		Items:   []Item{{Key: KeyPromptContextIDs, Value: "campaign"}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"legal", "tone", "future"}, ids(rc.AllResources))

	require.Len(t, diags, 1)
	require.Equal(t, LevelAgent, diags[0].Level)
	require.Equal(t, "style", diags[0].ContextID)
}

func TestResolve_MissingAgentLevelContextDoesNotBlockOthers(t *testing.T) {
	store, as := fixtureStores()
	var diags []Diagnostic
	r := NewResolver(store,
		WithLevelResolvers(DefaultLevelResolvers(as)...),
		WithDiagnostics(func(d Diagnostic) { diags = append(diags, d) }),
	)
	rc, err := r.Resolve(context.Background(), Request{
		AgentID: "a1",
		Items: []Item{
			{Key: KeyAgentContextIDs, Value: "nope,also-missing"},
			{Key: KeyPromptContextIDs, Value: "campaign"},
		},
	})
	require.NoError(t, err)
	require.Empty(t, diags)
	require.Equal(t, []string{"legal", "tone", "future"}, ids(rc.AllResources))
}

func TestResolve_FailingLevelResolverIsSkipped(t *testing.T) {
	store, _ := fixtureStores()
	var diags []Diagnostic
	r := NewResolver(store,
		WithLevelResolvers(&AgentResolver{Agents: agents.NewMemoryStore()}, NewContentResolver()),
		WithDiagnostics(func(d Diagnostic) { diags = append(diags, d) }),
	)
	rc, err := r.Resolve(context.Background(), Request{
		AgentID: "ghost",
		Items:   []Item{{Key: KeyContentContextIDs, Value: "page"}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"page"}, ids(rc.AllResources))
	require.Len(t, diags, 1)
	require.True(t, errors.Is(diags[0].Err, agents.ErrAgentNotFound))
}

func TestResolve_Cancelled(t *testing.T) {
	store, as := fixtureStores()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewResolver(store, WithLevelResolvers(DefaultLevelResolvers(as)...)).Resolve(ctx, Request{AgentID: "a1"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestResolvedContext_CloneIsIndependent(t *testing.T) {
	store, as := fixtureStores()
	rc, err := NewResolver(store, WithLevelResolvers(DefaultLevelResolvers(as)...)).Resolve(context.Background(), Request{AgentID: "a1"})
	require.NoError(t, err)

	c := rc.Clone()
	c.AllResources[0].Name = "changed"
	require.NotEqual(t, "changed", rc.AllResources[0].Name)

	r, ok := rc.OnDemand("legal")
	require.True(t, ok)
	require.Equal(t, "profile legal", r.Data)
}

func TestParseIDList(t *testing.T) {
	got, err := ParseIDList(" a, b ,,c ")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, got)

	got, err = ParseIDList(`["x","y"]`)
	require.NoError(t, err)
	require.Equal(t, []string{"x", "y"}, got)

	_, err = ParseIDList(`["x"`)
	require.Error(t, err)
}

func TestYAMLFileStore(t *testing.T) {
	path := filepath.Join("testdata", "contexts.yaml")
	s, err := NewYAMLFileStore(path)
	require.NoError(t, err)

	c, err := s.GetContextByID(context.Background(), "brand")
	require.NoError(t, err)
	require.Equal(t, "Brand voice", c.Name)
	require.Len(t, c.Resources, 2)
	require.Equal(t, InjectionModeOnDemand, c.Resources[1].InjectionMode)

	_, err = s.GetContextByID(context.Background(), "nope")
	require.True(t, errors.Is(err, ErrContextNotFound))
}

func TestSQLiteStore_ReadsFreshOnEveryLookup(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "contexts.db")
	s, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	_, err = s.GetContextByID(ctx, "brand")
	require.True(t, errors.Is(err, ErrContextNotFound))

	require.NoError(t, s.Upsert(ctx, &Context{ID: "brand", Name: "v1", Resources: []Resource{res("tone", "a", InjectionModeAlways, 0)}}))
	c, err := s.GetContextByID(ctx, "brand")
	require.NoError(t, err)
	require.Equal(t, "v1", c.Name)

	require.NoError(t, s.Upsert(ctx, &Context{ID: "brand", Name: "v2"}))
	c, err = s.GetContextByID(ctx, "brand")
	require.NoError(t, err)
	require.Equal(t, "v2", c.Name)

	require.NoError(t, s.Delete(ctx, "brand"))
	_, err = s.GetContextByID(ctx, "brand")
	require.True(t, errors.Is(err, ErrContextNotFound))
}
