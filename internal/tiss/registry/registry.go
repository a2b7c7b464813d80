// Package registry holds the static table of supported TISS protocol versions
// and their structural rules. The table is provisioned at startup and is
// read-only afterwards; any change to it is a deploy-time operation.
package registry

import (
	"fmt"
	"sort"
	"time"
)

// Supported protocol version identifiers.
const (
	Version305 = "3.05.00"
	Version401 = "4.01.00"
)

// PatientIDMode selects how a patient is identified inside a generated
// document. Version 4.01 mandates the LGPD-compliant initials-only form.
type PatientIDMode string

const (
	PatientIDFullName     PatientIDMode = "FULL_NAME"
	PatientIDInitialsOnly PatientIDMode = "INITIALS_ONLY"
)

// VersionConfig describes the structural rules of one protocol version.
// Instances are immutable once published.
type VersionConfig struct {
	// Version is the protocol version identifier, e.g. "4.01.00".
	Version string
	// EffectiveFrom is the instant this version becomes usable.
	EffectiveFrom time.Time
	// EffectiveUntil is the instant this version stops being valid for new
	// documents. Zero means open-ended.
	EffectiveUntil time.Time
	// ProcedureCodeWidth is the exact digit width of TUSS procedure codes.
	ProcedureCodeWidth int
	// PatientIDMode selects the patient rendering branch in the codec.
	PatientIDMode PatientIDMode
	// InitialsSeparator joins name initials when PatientIDMode is
	// INITIALS_ONLY. The separator belongs to the version, not the codec.
	InitialsSeparator string
	// Namespace is emitted verbatim as the document xmlns.
	Namespace string
	// SchemaLocation is emitted verbatim as xsi:schemaLocation.
	SchemaLocation string
	// RequiredMetadata lists batch metadata keys this version mandates.
	RequiredMetadata []string
}

// IsActiveAt reports whether instant falls inside the effective window.
func (c *VersionConfig) IsActiveAt(instant time.Time) bool {
	if instant.Before(c.EffectiveFrom) {
		return false
	}
	if !c.EffectiveUntil.IsZero() && !instant.Before(c.EffectiveUntil) {
		return false
	}
	return true
}

// UnsupportedVersionError indicates a version identifier the registry does
// not know.
type UnsupportedVersionError struct {
	Version string
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported protocol version: %q", e.Version)
}

// Registry is a pure lookup table over the supported versions.
type Registry struct {
	byVersion map[string]*VersionConfig
	ordered   []*VersionConfig
}

// New builds a registry from the given configs. Configs are sorted by
// EffectiveFrom ascending.
func New(configs ...*VersionConfig) *Registry {
	r := &Registry{byVersion: make(map[string]*VersionConfig, len(configs))}
	for _, c := range configs {
		r.byVersion[c.Version] = c
		r.ordered = append(r.ordered, c)
	}
	sort.Slice(r.ordered, func(i, j int) bool {
		return r.ordered[i].EffectiveFrom.Before(r.ordered[j].EffectiveFrom)
	})
	return r
}

// Default returns the registry for the current regulatory landscape: the
// legacy 3.05 standard and the 4.01 standard that replaces it, with an
// overlap window between the 4.01 start date and the 3.05 sunset.
func Default() *Registry {
	tissNamespace := "http://www.ans.gov.br/padroes/tiss/schemas"

	return New(
		&VersionConfig{
			Version:            Version305,
			EffectiveFrom:      time.Date(2016, time.March, 1, 0, 0, 0, 0, time.UTC),
			EffectiveUntil:     time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC),
			ProcedureCodeWidth: 8,
			PatientIDMode:      PatientIDFullName,
			Namespace:          tissNamespace,
			SchemaLocation:     tissNamespace + " tissV3_05_00.xsd",
			RequiredMetadata:   []string{"registry_id"},
		},
		&VersionConfig{
			Version:            Version401,
			EffectiveFrom:      time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC),
			ProcedureCodeWidth: 10,
			PatientIDMode:      PatientIDInitialsOnly,
			InitialsSeparator:  ".",
			Namespace:          tissNamespace,
			SchemaLocation:     tissNamespace + " tissV4_01_00.xsd",
			RequiredMetadata:   []string{"registry_id", "privacy_consent_ref"},
		},
	)
}

// ConfigFor returns the config for a version identifier.
func (r *Registry) ConfigFor(version string) (*VersionConfig, error) {
	cfg, ok := r.byVersion[version]
	if !ok {
		return nil, &UnsupportedVersionError{Version: version}
	}
	return cfg, nil
}

// ActiveAt returns all versions whose effective window contains instant,
// ordered by EffectiveFrom ascending.
func (r *Registry) ActiveAt(instant time.Time) []*VersionConfig {
	var active []*VersionConfig
	for _, c := range r.ordered {
		if c.IsActiveAt(instant) {
			active = append(active, c)
		}
	}
	return active
}

// IsActiveAt reports whether the named version exists and is active at
// instant.
func (r *Registry) IsActiveAt(version string, instant time.Time) bool {
	cfg, ok := r.byVersion[version]
	return ok && cfg.IsActiveAt(instant)
}

// Versions returns all known version identifiers ordered by EffectiveFrom.
func (r *Registry) Versions() []string {
	out := make([]string, 0, len(r.ordered))
	for _, c := range r.ordered {
		out = append(out, c.Version)
	}
	return out
}
