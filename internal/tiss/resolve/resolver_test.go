package resolve

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimware/go-tiss/internal/tiss/registry"
)

var (
	overlapInstant = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	legacyInstant  = time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC)
)

func TestResolvePrecedence(t *testing.T) {
	r := New(registry.Default())

	tests := []struct {
		name       string
		req        Request
		want       string
		wantSource string
	}{
		{
			name: "forced beats insurance and clinic",
			req: Request{
				ForcedVersion: registry.Version305,
				Insurance:     &TenantPointer{ID: "ins-1", Version: registry.Version401},
				Clinic:        &TenantPointer{ID: "cl-1", Version: registry.Version401},
				Now:           overlapInstant,
			},
			want:       registry.Version305,
			wantSource: "forced",
		},
		{
			name: "insurance beats clinic",
			req: Request{
				Insurance: &TenantPointer{ID: "ins-1", Version: registry.Version305},
				Clinic:    &TenantPointer{ID: "cl-1", Version: registry.Version401},
				Now:       overlapInstant,
			},
			want:       registry.Version305,
			wantSource: "insurance",
		},
		{
			name: "clinic beats fallback",
			req: Request{
				Clinic: &TenantPointer{ID: "cl-1", Version: registry.Version305},
				Now:    overlapInstant,
			},
			want:       registry.Version305,
			wantSource: "clinic",
		},
		{
			name:       "fallback picks latest active during overlap",
			req:        Request{Now: overlapInstant},
			want:       registry.Version401,
			wantSource: "fallback",
		},
		{
			name:       "fallback picks prior version before cutover start",
			req:        Request{Now: legacyInstant},
			want:       registry.Version305,
			wantSource: "fallback",
		},
		{
			name: "inactive insurance pointer yields to clinic",
			req: Request{
				Insurance: &TenantPointer{ID: "ins-1", Version: registry.Version401},
				Clinic:    &TenantPointer{ID: "cl-1", Version: registry.Version305},
				Now:       legacyInstant,
			},
			want:       registry.Version305,
			wantSource: "clinic",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Resolve(tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Config.Version)
			assert.Equal(t, tt.wantSource, res.Source)
		})
	}
}

func TestResolveForcedInactiveFails(t *testing.T) {
	r := New(registry.Default())

	// 4.01 has not started yet; a forced request must fail, never fall back.
	_, err := r.Resolve(Request{
		ForcedVersion: registry.Version401,
		Clinic:        &TenantPointer{ID: "cl-1", Version: registry.Version305},
		Now:           legacyInstant,
	})
	require.Error(t, err)

	var notActive *VersionNotActiveError
	require.True(t, errors.As(err, &notActive))
	assert.Equal(t, registry.Version401, notActive.Version)
}

func TestResolveForcedUnknownFails(t *testing.T) {
	r := New(registry.Default())

	_, err := r.Resolve(Request{ForcedVersion: "1.00.00", Now: overlapInstant})
	var unsupported *registry.UnsupportedVersionError
	require.True(t, errors.As(err, &unsupported))
}

func TestResolveDeterminism(t *testing.T) {
	r := New(registry.Default())
	req := Request{
		Insurance: &TenantPointer{ID: "ins-1", Version: registry.Version401},
		Now:       overlapInstant,
	}

	first, err := r.Resolve(req)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		res, err := r.Resolve(req)
		require.NoError(t, err)
		assert.Equal(t, first.Config.Version, res.Config.Version)
		assert.Equal(t, first.Source, res.Source)
	}
}
