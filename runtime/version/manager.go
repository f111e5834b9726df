package version

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomworks/loom/runtime/ids"
	"github.com/loomworks/loom/runtime/telemetry"
)

type (
	// Manager composes the store and expander into the version operations
	// the service layer uses: storing submitted content, selecting runnable
	// variants, and promoting version trees across templates.
	Manager struct {
		store    Store
		expander Expander
		logger   telemetry.Logger
	}

	// ManagerOptions configures a Manager.
	ManagerOptions struct {
		// Store persists templates and versions. Required.
		Store Store
		// Expander enumerates execution-group paths. Defaults to NoExpansion.
		Expander Expander
		// Logger defaults to the noop logger.
		Logger telemetry.Logger
	}
)

// NewManager builds a Manager.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("version store is required")
	}
	expander := opts.Expander
	if expander == nil {
		expander = NoExpansion{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Manager{store: opts.Store, expander: expander, logger: logger}, nil
}

// Store exposes the underlying store for read paths.
func (m *Manager) Store() Store { return m.store }

// ProcessAndStore stores submitted workflow content as a raw version, expands
// its execution groups, stores one resolved child per concrete path, and
// promotes the parent to unresolved when children exist. Insertion is
// deduplicated by content hash per template: resubmitting identical content
// returns the existing version with isNew=false.
func (m *Manager) ProcessAndStore(ctx context.Context, resolved map[string]any, contentHash string, sourceType SourceType, templateID string) (*Version, bool, error) {
	if contentHash == "" {
		var err error
		contentHash, err = HashContent(resolved)
		if err != nil {
			return nil, false, err
		}
	}
	if existing, err := m.store.FindSourceByHash(ctx, templateID, contentHash); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	parent := &Version{
		ID:          ids.NewVersionID(),
		TemplateID:  templateID,
		ContentHash: contentHash,
		SourceType:  sourceType,
		VersionType: TypeRaw,
		Resolved:    resolved,
	}
	parent, inserted, err := m.store.InsertVersion(ctx, parent)
	if err != nil {
		return nil, false, fmt.Errorf("insert raw version: %w", err)
	}
	if !inserted {
		return parent, false, nil
	}

	paths, err := m.expander.Expand(ctx, resolved)
	if err != nil {
		return nil, false, fmt.Errorf("expand execution groups: %w", err)
	}
	if len(paths) == 0 {
		return parent, true, nil
	}

	for _, p := range paths {
		childHash, err := HashContent(p.Definition)
		if err != nil {
			return nil, false, err
		}
		child := &Version{
			ID:              ids.NewVersionID(),
			TemplateID:      templateID,
			ContentHash:     childHash,
			SourceType:      sourceType,
			VersionType:     TypeResolved,
			ParentVersionID: parent.ID,
			Requires:        p.Requires,
			Resolved:        p.Definition,
		}
		if _, _, err := m.store.InsertVersion(ctx, child); err != nil {
			return nil, false, fmt.Errorf("insert resolved child: %w", err)
		}
	}
	if err := m.store.PromoteToUnresolved(ctx, parent.ID); err != nil {
		return nil, false, fmt.Errorf("promote parent version: %w", err)
	}
	parent.VersionType = TypeUnresolved
	m.logger.Info(ctx, "stored workflow version",
		"template_id", templateID, "version_id", parent.ID, "resolved_paths", len(paths))
	return parent, true, nil
}

// BestForCapabilities selects the runnable version for a source version and
// a client capability list: the resolved child with the highest priority sum
// whose requirements are a subset of the capabilities. A raw parent with no
// matching child is itself runnable; an unresolved parent with no matching
// child fails with ErrNoRunnableVersion.
func (m *Manager) BestForCapabilities(ctx context.Context, sourceVersionID string, capabilities []string) (*Version, error) {
	parent, err := m.store.GetVersion(ctx, sourceVersionID)
	if err != nil {
		return nil, err
	}
	if parent.VersionType == TypeResolved {
		return parent, nil
	}
	children, err := m.store.ResolvedChildren(ctx, parent.ID)
	if err != nil {
		return nil, err
	}

	caps := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		caps[c] = struct{}{}
	}
	var best *Version
	bestScore := -1
	for _, child := range children {
		score := 0
		ok := true
		for _, req := range child.Requires {
			if _, have := caps[req.Capability]; !have {
				ok = false
				break
			}
			score += req.Priority
		}
		if ok && score > bestScore {
			best, bestScore = child, score
		}
	}
	if best != nil {
		return best, nil
	}
	if parent.VersionType == TypeRaw {
		return parent, nil
	}
	return nil, ErrNoRunnableVersion
}

// CopyVersionTree promotes a source version and its resolved children into
// another template, deduplicating by content hash. Used when a user first
// starts a global template: the version tree is copied into their hidden
// shadow so per-user history stays isolated.
func (m *Manager) CopyVersionTree(ctx context.Context, sourceVersionID, targetTemplateID string) (*Version, error) {
	src, err := m.store.GetVersion(ctx, sourceVersionID)
	if err != nil {
		return nil, err
	}
	copied := &Version{
		ID:          ids.NewVersionID(),
		TemplateID:  targetTemplateID,
		ContentHash: src.ContentHash,
		SourceType:  src.SourceType,
		VersionType: src.VersionType,
		Requires:    src.Requires,
		Resolved:    src.Resolved,
	}
	copied, inserted, err := m.store.InsertVersion(ctx, copied)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return copied, nil
	}
	children, err := m.store.ResolvedChildren(ctx, src.ID)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		cp := &Version{
			ID:              ids.NewVersionID(),
			TemplateID:      targetTemplateID,
			ContentHash:     child.ContentHash,
			SourceType:      child.SourceType,
			VersionType:     TypeResolved,
			ParentVersionID: copied.ID,
			Requires:        child.Requires,
			Resolved:        child.Resolved,
		}
		if _, _, err := m.store.InsertVersion(ctx, cp); err != nil {
			return nil, err
		}
	}
	return copied, nil
}

// SyncTemplateVersions copies every source version missing from the target
// template, by content hash. Returns the number of versions copied.
func (m *Manager) SyncTemplateVersions(ctx context.Context, fromTemplateID, toTemplateID string) (int, error) {
	sources, err := m.store.ListSourceVersions(ctx, fromTemplateID)
	if err != nil {
		return 0, err
	}
	copied := 0
	for _, src := range sources {
		if _, err := m.store.FindSourceByHash(ctx, toTemplateID, src.ContentHash); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return copied, err
		}
		if _, err := m.CopyVersionTree(ctx, src.ID, toTemplateID); err != nil {
			return copied, err
		}
		copied++
	}
	return copied, nil
}
