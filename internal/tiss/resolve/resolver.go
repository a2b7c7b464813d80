// Package resolve picks the applicable protocol version for a generation
// request. Precedence is an explicit ordered rule list so it stays auditable:
// forced version, insurance override, clinic default, global fallback.
package resolve

import (
	"fmt"
	"time"

	"github.com/claimware/go-tiss/internal/tiss/registry"
)

// TenantPointer is the version pointer carried by an insurance or clinic
// configuration row. An empty Version means no override is set.
type TenantPointer struct {
	ID      string
	Version string
}

// Request carries every input the resolver needs. There is no hidden state:
// identical requests at the same instant always resolve identically.
type Request struct {
	// ForcedVersion, when non-empty, must be active or resolution fails.
	ForcedVersion string
	// Insurance is the insurance-level pointer, nil when the insurance has
	// no override.
	Insurance *TenantPointer
	// Clinic is the clinic-level pointer, nil when the clinic has no default.
	Clinic *TenantPointer
	// Now is the resolution instant.
	Now time.Time
}

// VersionNotActiveError indicates an explicitly requested version whose
// effective window does not contain the resolution instant. A forced version
// never falls back silently.
type VersionNotActiveError struct {
	Version string
	At      time.Time
}

func (e *VersionNotActiveError) Error() string {
	return fmt.Sprintf("version %s is not active at %s", e.Version, e.At.Format(time.RFC3339))
}

// Resolution is the resolver outcome, naming the rule that won.
type Resolution struct {
	Config *registry.VersionConfig
	// Source is the rule that produced the version: "forced", "insurance",
	// "clinic" or "fallback".
	Source string
}

// Resolver evaluates the precedence chain against a version registry.
type Resolver struct {
	reg *registry.Registry
}

// New creates a resolver over the given registry.
func New(reg *registry.Registry) *Resolver {
	return &Resolver{reg: reg}
}

type rule struct {
	source string
	apply  func(req Request) (*registry.VersionConfig, error)
}

// Resolve evaluates the rules top-down; the first rule that yields a version
// wins. Only the forced rule may fail the whole resolution.
func (r *Resolver) Resolve(req Request) (*Resolution, error) {
	rules := []rule{
		{source: "forced", apply: r.forced},
		{source: "insurance", apply: r.insurance},
		{source: "clinic", apply: r.clinic},
		{source: "fallback", apply: r.fallback},
	}

	for _, rl := range rules {
		cfg, err := rl.apply(req)
		if err != nil {
			return nil, err
		}
		if cfg != nil {
			return &Resolution{Config: cfg, Source: rl.source}, nil
		}
	}

	return nil, fmt.Errorf("no protocol version active at %s", req.Now.Format(time.RFC3339))
}

func (r *Resolver) forced(req Request) (*registry.VersionConfig, error) {
	if req.ForcedVersion == "" {
		return nil, nil
	}
	cfg, err := r.reg.ConfigFor(req.ForcedVersion)
	if err != nil {
		return nil, err
	}
	if !cfg.IsActiveAt(req.Now) {
		return nil, &VersionNotActiveError{Version: req.ForcedVersion, At: req.Now}
	}
	return cfg, nil
}

func (r *Resolver) insurance(req Request) (*registry.VersionConfig, error) {
	return r.pointer(req.Insurance, req.Now), nil
}

func (r *Resolver) clinic(req Request) (*registry.VersionConfig, error) {
	return r.pointer(req.Clinic, req.Now), nil
}

// pointer returns the pointed-at config only when it exists and is active;
// an inactive tenant pointer yields to the next rule rather than failing.
func (r *Resolver) pointer(p *TenantPointer, now time.Time) *registry.VersionConfig {
	if p == nil || p.Version == "" {
		return nil
	}
	cfg, err := r.reg.ConfigFor(p.Version)
	if err != nil || !cfg.IsActiveAt(now) {
		return nil
	}
	return cfg
}

// fallback picks the active version with the latest effective-from date.
// Before the new version's start date this is the prior version; during the
// overlap window the newer version wins the tie.
func (r *Resolver) fallback(req Request) (*registry.VersionConfig, error) {
	active := r.reg.ActiveAt(req.Now)
	if len(active) == 0 {
		return nil, nil
	}
	latest := active[0]
	for _, cfg := range active[1:] {
		if cfg.EffectiveFrom.After(latest.EffectiveFrom) {
			latest = cfg
		}
	}
	return latest, nil
}
