package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProductID(t *testing.T) {
	tests := []struct {
		name      string
		id        string
		namespace string
		want      ProductInfo
		wantErr   bool
	}{
		{
			name: "reverse dns namespace",
			id:   "com.example.basic.monthly",
			want: ProductInfo{ID: "com.example.basic.monthly", Namespace: "com.example", Level: LevelBasic, Duration: DurationMonthly},
		},
		{
			name:      "matching namespace",
			id:        "studyapp.premium.yearly",
			namespace: "studyapp",
			want:      ProductInfo{ID: "studyapp.premium.yearly", Namespace: "studyapp", Level: LevelPremium, Duration: DurationYearly},
		},
		{name: "too few segments", id: "basic.monthly", wantErr: true},
		{name: "empty segment", id: "com..basic.monthly", wantErr: true},
		{name: "unknown level", id: "com.example.gold.monthly", wantErr: true},
		{name: "unknown duration", id: "com.example.basic.daily", wantErr: true},
		{name: "foreign namespace", id: "org.other.basic.monthly", namespace: "com.example", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseProductID(tt.id, tt.namespace)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidProductID))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePlatform(t *testing.T) {
	p, err := ParsePlatform("iOS")
	require.NoError(t, err)
	assert.Equal(t, PlatformIOS, p)

	p, err = ParsePlatform("android")
	require.NoError(t, err)
	assert.Equal(t, PlatformAndroid, p)

	_, err = ParsePlatform("windows")
	assert.True(t, errors.Is(err, ErrUnsupportedPlatform))
}

func TestEntitlementStatus(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	e := &Entitlement{Status: EntitlementStatusActive, ExpiresAt: now.Add(time.Hour)}
	assert.True(t, e.IsActive(now))
	assert.Equal(t, EntitlementStatusActive, e.EffectiveStatus(now))

	e.ExpiresAt = now.Add(-time.Second)
	assert.False(t, e.IsActive(now))
	assert.Equal(t, EntitlementStatusExpired, e.EffectiveStatus(now))

	e.Status = EntitlementStatusCanceled
	assert.Equal(t, EntitlementStatusCanceled, e.EffectiveStatus(now))
}

func TestTimestampRoundTrip(t *testing.T) {
	ts := time.Date(2026, 10, 17, 8, 30, 15, 123000000, time.UTC)
	s := FormatTimestamp(ts)
	assert.Equal(t, "2026-10-17T08:30:15.123Z", s)

	parsed, err := ParseTimestamp(s)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(ts))

	parsed, err = ParseTimestamp("2026-10-17T08:30:15Z")
	require.NoError(t, err)
	assert.Equal(t, 15, parsed.Second())
}
