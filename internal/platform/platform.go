// Package platform is the capability registry the compaction engine
// and schema-issue endpoint dispatch through: a process-wide set of
// domain-keyed collaborators that may implement any subset of
// compile_statistics, list_statistic_ids, validate_statistics, and
// exclude_attributes (spec.md §4.9 Design Notes: "modeled as a
// registry of objects implementing an optional capability set...
// treat missing capabilities as no-op rather than error").
package platform

import (
	"context"
	"sync"

	"homestats/internal/storage"
)

// CompiledStat pairs a metadata descriptor with the row it produced
// for one compaction window (spec.md §4.4 step 2).
type CompiledStat struct {
	Meta storage.Descriptor
	Row  storage.Row
}

// CompileResult is what compile_statistics returns.
type CompileResult struct {
	Stats           []CompiledStat
	CurrentMetadata map[string]storage.MetaRow // statistic_id -> current descriptor/id
}

// Issue is a single validation finding returned by validate_statistics,
// surfaced at GET /api/statistics/issues (SPEC_FULL.md §4).
type Issue struct {
	StatisticID string
	Code        string
	Message     string
}

// Compiler is the optional compile_statistics capability.
type Compiler interface {
	CompileStatistics(ctx context.Context, start, end float64) (CompileResult, error)
}

// Lister is the optional list_statistic_ids capability.
type Lister interface {
	ListStatisticIDs(ctx context.Context, ids []string, typeFilter string) (map[string]storage.Descriptor, error)
}

// Validator is the optional validate_statistics capability.
type Validator interface {
	ValidateStatistics(ctx context.Context) (map[string][]Issue, error)
}

// AttributeExcluder is the optional exclude_attributes capability.
type AttributeExcluder interface {
	ExcludeAttributes() map[string]struct{}
}

// Platform is the union interface a collaborator may implement any
// part of; the registry type-asserts each capability independently.
type Platform interface {
	Domain() string
}

// Registry holds every registered platform, keyed by domain. It is a
// process-wide singleton in spirit (spec.md §9's "Global mutable
// state" note), but constructed explicitly here and injected into the
// engine rather than held as a package-level var, per the same note's
// rewrite guidance ("inject them through an engine handle").
type Registry struct {
	mu        sync.RWMutex
	platforms map[string]Platform
}

func New() *Registry {
	return &Registry{platforms: make(map[string]Platform)}
}

func (r *Registry) Register(p Platform) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.platforms[p.Domain()] = p
}

func (r *Registry) Unregister(domain string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.platforms, domain)
}

func (r *Registry) snapshot() []Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Platform, 0, len(r.platforms))
	for _, p := range r.platforms {
		out = append(out, p)
	}
	return out
}

// CompileAll invokes CompileStatistics on every registered platform
// that implements Compiler, for [start, end). Platforms without the
// capability are silently skipped, not errored (spec.md §4.9).
func (r *Registry) CompileAll(ctx context.Context, start, end float64) ([]CompileResult, error) {
	var results []CompileResult
	for _, p := range r.snapshot() {
		c, ok := p.(Compiler)
		if !ok {
			continue
		}
		res, err := c.CompileStatistics(ctx, start, end)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

// ListAll fans list_statistic_ids out across every platform that
// implements Lister, merging results.
func (r *Registry) ListAll(ctx context.Context, ids []string, typeFilter string) (map[string]storage.Descriptor, error) {
	out := make(map[string]storage.Descriptor)
	for _, p := range r.snapshot() {
		l, ok := p.(Lister)
		if !ok {
			continue
		}
		m, err := l.ListStatisticIDs(ctx, ids, typeFilter)
		if err != nil {
			return nil, err
		}
		for k, v := range m {
			out[k] = v
		}
	}
	return out, nil
}

// Validate fans validate_statistics out across every platform that
// implements Validator, merging results keyed by statistic_id
// (SPEC_FULL.md §4: "surfaced through internal/platform.Registry.Validate
// and GET /api/statistics/issues", not dead capability surface).
func (r *Registry) Validate(ctx context.Context) (map[string][]Issue, error) {
	out := make(map[string][]Issue)
	for _, p := range r.snapshot() {
		v, ok := p.(Validator)
		if !ok {
			continue
		}
		issues, err := v.ValidateStatistics(ctx)
		if err != nil {
			return nil, err
		}
		for k, is := range issues {
			out[k] = append(out[k], is...)
		}
	}
	return out, nil
}

// ExcludedAttributes merges exclude_attributes across every platform
// implementing AttributeExcluder.
func (r *Registry) ExcludedAttributes() map[string]struct{} {
	out := make(map[string]struct{})
	for _, p := range r.snapshot() {
		e, ok := p.(AttributeExcluder)
		if !ok {
			continue
		}
		for attr := range e.ExcludeAttributes() {
			out[attr] = struct{}{}
		}
	}
	return out
}
