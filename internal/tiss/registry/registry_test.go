package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigForUnknownVersion(t *testing.T) {
	r := Default()

	_, err := r.ConfigFor("9.99.99")
	require.Error(t, err)

	var unsupported *UnsupportedVersionError
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, "9.99.99", unsupported.Version)
}

func TestConfigForKnownVersions(t *testing.T) {
	r := Default()

	v305, err := r.ConfigFor(Version305)
	require.NoError(t, err)
	assert.Equal(t, 8, v305.ProcedureCodeWidth)
	assert.Equal(t, PatientIDFullName, v305.PatientIDMode)

	v401, err := r.ConfigFor(Version401)
	require.NoError(t, err)
	assert.Equal(t, 10, v401.ProcedureCodeWidth)
	assert.Equal(t, PatientIDInitialsOnly, v401.PatientIDMode)
	assert.Equal(t, ".", v401.InitialsSeparator)
	assert.Contains(t, v401.RequiredMetadata, "privacy_consent_ref")
}

func TestActiveAtWindows(t *testing.T) {
	r := Default()

	tests := []struct {
		name    string
		instant time.Time
		want    []string
	}{
		{
			name:    "before new version starts",
			instant: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
			want:    []string{Version305},
		},
		{
			name:    "inside overlap window",
			instant: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			want:    []string{Version305, Version401},
		},
		{
			name:    "after legacy sunset",
			instant: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
			want:    []string{Version401},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, cfg := range r.ActiveAt(tt.instant) {
				got = append(got, cfg.Version)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsActiveAtBoundaries(t *testing.T) {
	r := Default()

	sunset := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	assert.True(t, r.IsActiveAt(Version305, sunset.Add(-time.Second)))
	assert.False(t, r.IsActiveAt(Version305, sunset))

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.False(t, r.IsActiveAt(Version401, start.Add(-time.Second)))
	assert.True(t, r.IsActiveAt(Version401, start))
}
