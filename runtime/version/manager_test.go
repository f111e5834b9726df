package version_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/runtime/version"
	"github.com/loomworks/loom/runtime/version/inmem"
)

type pathExpander struct {
	paths []version.ResolvedPath
}

func (e pathExpander) Expand(context.Context, map[string]any) ([]version.ResolvedPath, error) {
	return e.paths, nil
}

func defTree(id string) map[string]any {
	return map[string]any{
		"workflow_id": id,
		"steps": []any{
			map[string]any{"step_id": "step-1", "name": "S", "modules": []any{
				map[string]any{"module_id": "loom.llm"},
			}},
		},
	}
}

func TestHashContentStable(t *testing.T) {
	a, err := version.HashContent(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	b, err := version.HashContent(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, 16)

	c, err := version.HashContent(map[string]any{"a": 1, "b": 3})
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestVersionDefinition(t *testing.T) {
	v := &version.Version{VersionType: version.TypeRaw, Resolved: defTree("w")}
	def, err := v.Definition()
	require.NoError(t, err)
	require.Equal(t, "w", def.WorkflowID)
	require.Len(t, def.Steps, 1)
	require.Equal(t, "loom.llm", def.Steps[0].Modules[0].ID)

	v.VersionType = version.TypeUnresolved
	_, err = v.Definition()
	require.ErrorIs(t, err, version.ErrUnresolved)
}

func TestProcessAndStoreRawVersion(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	m, err := version.NewManager(version.ManagerOptions{Store: store})
	require.NoError(t, err)

	tpl, _, err := store.GetOrCreateTemplate(ctx, "article", "u1")
	require.NoError(t, err)

	v, isNew, err := m.ProcessAndStore(ctx, defTree("w"), "", version.SourceJSON, tpl.ID)
	require.NoError(t, err)
	require.True(t, isNew)
	require.Equal(t, version.TypeRaw, v.VersionType)
	require.NotEmpty(t, v.ContentHash)

	// Resubmitting identical content returns the stored version unchanged.
	again, isNew, err := m.ProcessAndStore(ctx, defTree("w"), "", version.SourceJSON, tpl.ID)
	require.NoError(t, err)
	require.False(t, isNew)
	require.Equal(t, v.ID, again.ID)
}

func TestProcessAndStoreExpandsGroups(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	m, err := version.NewManager(version.ManagerOptions{
		Store: store,
		Expander: pathExpander{paths: []version.ResolvedPath{
			{Definition: defTree("w-text"), Requires: []version.Requirement{{Capability: "text", Priority: 1}}},
			{Definition: defTree("w-image"), Requires: []version.Requirement{{Capability: "image", Priority: 2}}},
		}},
	})
	require.NoError(t, err)

	tpl, _, err := store.GetOrCreateTemplate(ctx, "article", "u1")
	require.NoError(t, err)

	parent, isNew, err := m.ProcessAndStore(ctx, defTree("w"), "", version.SourceZip, tpl.ID)
	require.NoError(t, err)
	require.True(t, isNew)
	require.Equal(t, version.TypeUnresolved, parent.VersionType)

	children, err := store.ResolvedChildren(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	for _, c := range children {
		require.Equal(t, version.TypeResolved, c.VersionType)
		require.Equal(t, parent.ID, c.ParentVersionID)
		require.NotEmpty(t, c.Requires)
	}
}

func TestBestForCapabilities(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	m, err := version.NewManager(version.ManagerOptions{
		Store: store,
		Expander: pathExpander{paths: []version.ResolvedPath{
			{Definition: defTree("w-basic"), Requires: []version.Requirement{{Capability: "text", Priority: 1}}},
			{Definition: defTree("w-rich"), Requires: []version.Requirement{
				{Capability: "text", Priority: 1},
				{Capability: "image", Priority: 5},
			}},
		}},
	})
	require.NoError(t, err)

	tpl, _, err := store.GetOrCreateTemplate(ctx, "article", "u1")
	require.NoError(t, err)
	parent, _, err := m.ProcessAndStore(ctx, defTree("w"), "", version.SourceJSON, tpl.ID)
	require.NoError(t, err)

	// Full capabilities pick the highest priority sum.
	best, err := m.BestForCapabilities(ctx, parent.ID, []string{"text", "image"})
	require.NoError(t, err)
	require.Equal(t, "w-rich", best.Resolved["workflow_id"])

	// Without image only the basic path qualifies.
	best, err = m.BestForCapabilities(ctx, parent.ID, []string{"text"})
	require.NoError(t, err)
	require.Equal(t, "w-basic", best.Resolved["workflow_id"])

	// An unresolved parent with no matching child is not runnable.
	_, err = m.BestForCapabilities(ctx, parent.ID, nil)
	require.ErrorIs(t, err, version.ErrNoRunnableVersion)

	// A resolved version is returned as-is.
	children, err := store.ResolvedChildren(ctx, parent.ID)
	require.NoError(t, err)
	got, err := m.BestForCapabilities(ctx, children[0].ID, nil)
	require.NoError(t, err)
	require.Equal(t, children[0].ID, got.ID)
}

func TestBestForCapabilitiesRawFallback(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	m, err := version.NewManager(version.ManagerOptions{Store: store})
	require.NoError(t, err)

	tpl, _, err := store.GetOrCreateTemplate(ctx, "article", "u1")
	require.NoError(t, err)
	raw, _, err := m.ProcessAndStore(ctx, defTree("w"), "", version.SourceJSON, tpl.ID)
	require.NoError(t, err)

	// A raw parent without children runs directly.
	got, err := m.BestForCapabilities(ctx, raw.ID, nil)
	require.NoError(t, err)
	require.Equal(t, raw.ID, got.ID)
}

func TestCopyVersionTree(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	m, err := version.NewManager(version.ManagerOptions{
		Store: store,
		Expander: pathExpander{paths: []version.ResolvedPath{
			{Definition: defTree("w-a"), Requires: []version.Requirement{{Capability: "text", Priority: 1}}},
		}},
	})
	require.NoError(t, err)

	global, _, err := store.GetOrCreateGlobalTemplate(ctx, "starter", "")
	require.NoError(t, err)
	src, _, err := m.ProcessAndStore(ctx, defTree("w"), "", version.SourceJSON, global.ID)
	require.NoError(t, err)

	shadow, _, err := store.GetOrCreateHiddenTemplate(ctx, global.ID, "u1")
	require.NoError(t, err)

	copied, err := m.CopyVersionTree(ctx, src.ID, shadow.ID)
	require.NoError(t, err)
	require.Equal(t, shadow.ID, copied.TemplateID)
	require.Equal(t, src.ContentHash, copied.ContentHash)
	require.Equal(t, src.VersionType, copied.VersionType)

	children, err := store.ResolvedChildren(ctx, copied.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, shadow.ID, children[0].TemplateID)

	// Copying again dedupes by content hash.
	again, err := m.CopyVersionTree(ctx, src.ID, shadow.ID)
	require.NoError(t, err)
	require.Equal(t, copied.ID, again.ID)
	children, err = store.ResolvedChildren(ctx, copied.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
}

func TestSyncTemplateVersions(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	m, err := version.NewManager(version.ManagerOptions{Store: store})
	require.NoError(t, err)

	global, _, err := store.GetOrCreateGlobalTemplate(ctx, "starter", "")
	require.NoError(t, err)
	_, _, err = m.ProcessAndStore(ctx, defTree("w1"), "", version.SourceJSON, global.ID)
	require.NoError(t, err)
	_, _, err = m.ProcessAndStore(ctx, defTree("w2"), "", version.SourceJSON, global.ID)
	require.NoError(t, err)

	shadow, _, err := store.GetOrCreateHiddenTemplate(ctx, global.ID, "u1")
	require.NoError(t, err)

	n, err := m.SyncTemplateVersions(ctx, global.ID, shadow.ID)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// A second sync finds nothing missing.
	n, err = m.SyncTemplateVersions(ctx, global.ID, shadow.ID)
	require.NoError(t, err)
	require.Zero(t, n)
}
