// Package version stores workflow templates and their immutable definition
// snapshots, and selects the runnable variant for a client's capabilities.
//
// A raw version has no execution groups. An unresolved version is a source
// with execution groups and resolved children; it is never assigned to a
// run. A resolved version is one concrete path through the groups, runnable,
// with the capability requirements gathered along that path.
package version

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/loomworks/loom/runtime/workflow"
)

// Scope classifies template ownership.
type Scope string

const (
	// ScopeUser marks a per-user template.
	ScopeUser Scope = "user"
	// ScopeGlobal marks a shared template owned by the sentinel user.
	ScopeGlobal Scope = "global"
)

// Visibility controls template listing.
type Visibility string

const (
	// VisibilityVisible lists the template normally.
	VisibilityVisible Visibility = "visible"
	// VisibilityHidden hides per-user shadows of global templates.
	VisibilityHidden Visibility = "hidden"
	// VisibilityPublic marks a globally listable template.
	VisibilityPublic Visibility = "public"
)

// SourceType records how a version's content was submitted.
type SourceType string

const (
	// SourceJSON marks content submitted as a JSON document.
	SourceJSON SourceType = "json"
	// SourceZip marks content resolved from a zip archive.
	SourceZip SourceType = "zip"
)

// Type classifies a version within its template.
type Type string

const (
	// TypeRaw is a source version with no execution groups.
	TypeRaw Type = "raw"
	// TypeUnresolved is a source version with resolved children.
	TypeUnresolved Type = "unresolved"
	// TypeResolved is a runnable concrete path.
	TypeResolved Type = "resolved"
)

// GlobalOwner is the sentinel user id owning global templates.
const GlobalOwner = "global"

var (
	// ErrNotFound is returned when a template or version lookup misses.
	ErrNotFound = errors.New("template or version not found")
	// ErrNoRunnableVersion is returned when no resolved child satisfies the
	// supplied capabilities and the parent is unresolved.
	ErrNoRunnableVersion = errors.New("no runnable version for capabilities")
	// ErrUnresolved is returned on an attempt to execute an unresolved version.
	ErrUnresolved = errors.New("version is unresolved and cannot execute")
)

type (
	// Template is a named owner of a version sequence.
	Template struct {
		ID          string
		Name        string
		UserID      string
		Scope       Scope
		Visibility  Visibility
		DerivedFrom string
		CreatedAt   time.Time
	}

	// Requirement is one capability demanded by a resolved version.
	Requirement struct {
		Capability string `json:"capability"`
		Priority   int    `json:"priority"`
	}

	// Version is an immutable workflow definition snapshot.
	Version struct {
		ID              string
		TemplateID      string
		ContentHash     string
		SourceType      SourceType
		VersionType     Type
		ParentVersionID string
		Requires        []Requirement
		// Resolved is the definition tree as a generic JSON map. It is the
		// canonical stored form; Definition decodes it on demand.
		Resolved  map[string]any
		CreatedAt time.Time
	}

	// HistoryEntry records a run's switch to a new version.
	HistoryEntry struct {
		RunID         string
		VersionID     string
		PrevVersionID string
		Reason        string
		CreatedAt     time.Time
	}

	// ResolvedPath is one concrete expansion of an unresolved source.
	ResolvedPath struct {
		Definition map[string]any
		Requires   []Requirement
	}

	// Expander enumerates the concrete paths through a definition's
	// execution groups. It is an external collaborator; NoExpansion is used
	// when group expansion is not configured.
	Expander interface {
		Expand(ctx context.Context, def map[string]any) ([]ResolvedPath, error)
	}

	// Store persists templates, versions, and run version history.
	Store interface {
		// GetOrCreateTemplate is idempotent per (name, user, scope=user).
		GetOrCreateTemplate(ctx context.Context, name, userID string) (*Template, bool, error)

		// GetOrCreateGlobalTemplate is idempotent per (name, scope=global).
		GetOrCreateGlobalTemplate(ctx context.Context, name, owner string) (*Template, bool, error)

		// GetOrCreateHiddenTemplate returns the per-user hidden shadow of a
		// global template, creating it on first use.
		GetOrCreateHiddenTemplate(ctx context.Context, globalID, userID string) (*Template, bool, error)

		// GetTemplate returns the template with the given id.
		GetTemplate(ctx context.Context, templateID string) (*Template, error)

		// ListTemplates returns the user's visible templates plus global ones.
		ListTemplates(ctx context.Context, userID string) ([]*Template, error)

		// InsertVersion stores a version. Insertion is deduplicated by
		// (template, content hash, version type): when a duplicate exists it
		// is returned with inserted=false.
		InsertVersion(ctx context.Context, v *Version) (*Version, bool, error)

		// GetVersion returns the version with the given id.
		GetVersion(ctx context.Context, versionID string) (*Version, error)

		// FindSourceByHash returns the template's raw or unresolved version
		// with the given content hash.
		FindSourceByHash(ctx context.Context, templateID, contentHash string) (*Version, error)

		// LatestSource returns the template's most recent raw or unresolved
		// version.
		LatestSource(ctx context.Context, templateID string) (*Version, error)

		// ResolvedChildren returns the resolved versions whose parent is the
		// given version.
		ResolvedChildren(ctx context.Context, parentVersionID string) ([]*Version, error)

		// PromoteToUnresolved transitions a raw version to unresolved. The
		// transition happens at most once; promoting an already unresolved
		// version is a no-op.
		PromoteToUnresolved(ctx context.Context, versionID string) error

		// ListSourceVersions returns the template's raw and unresolved
		// versions, newest first.
		ListSourceVersions(ctx context.Context, templateID string) ([]*Version, error)

		// AppendHistory records a run version switch.
		AppendHistory(ctx context.Context, e *HistoryEntry) error

		// History returns the run's version history, oldest first.
		History(ctx context.Context, runID string) ([]*HistoryEntry, error)
	}

	// NoExpansion is an Expander that never finds execution groups.
	NoExpansion struct{}
)

// Expand implements Expander.
func (NoExpansion) Expand(context.Context, map[string]any) ([]ResolvedPath, error) {
	return nil, nil
}

// Definition decodes the version's resolved tree into the executable form.
func (v *Version) Definition() (*workflow.Definition, error) {
	if v.VersionType == TypeUnresolved {
		return nil, ErrUnresolved
	}
	raw, err := json.Marshal(v.Resolved)
	if err != nil {
		return nil, fmt.Errorf("encode resolved workflow: %w", err)
	}
	var def workflow.Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decode resolved workflow: %w", err)
	}
	return &def, nil
}

// HashContent computes the content hash of a definition tree. JSON
// marshaling in Go sorts map keys, so the hash is stable for equivalent
// trees.
func HashContent(def map[string]any) (string, error) {
	raw, err := json.Marshal(def)
	if err != nil {
		return "", fmt.Errorf("encode definition for hashing: %w", err)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(raw)), nil
}
