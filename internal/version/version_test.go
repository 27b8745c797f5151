// SPDX-License-Identifier: Apache-2.0

package version

import (
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrozen(t *testing.T) {
	v, err := Frozen()
	require.NoError(t, err)
	assert.Equal(t, Number(), v.String())
}

func TestInRange(t *testing.T) {
	v := semver.MustParse("1.44.0")

	tests := []struct {
		name     string
		min      string
		max      string
		expected bool
	}{
		{"inside window", "1.30.0", "1.99.0", true},
		{"below minimum", "1.50.0", "1.99.0", false},
		{"above maximum", "1.0.0", "1.40.0", false},
		{"equal to minimum", "1.44.0", "1.99.0", true},
		{"equal to maximum", "1.0.0", "1.44.0", true},
		{"open lower bound", "", "1.99.0", true},
		{"open upper bound", "1.30.0", "", true},
		{"fully open", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := InRange(v, tt.min, tt.max)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ok)
		})
	}
}

func TestInRange_InvalidBounds(t *testing.T) {
	v := semver.MustParse("1.44.0")

	_, err := InRange(v, "not-a-version", "")
	assert.Error(t, err)

	_, err = InRange(v, "", "not-a-version")
	assert.Error(t, err)
}

func TestPastMax(t *testing.T) {
	v := semver.MustParse("1.44.0")

	past, err := PastMax(v, "1.40.0")
	require.NoError(t, err)
	assert.True(t, past)

	past, err = PastMax(v, "1.44.0")
	require.NoError(t, err)
	assert.False(t, past)

	past, err = PastMax(v, "")
	require.NoError(t, err)
	assert.False(t, past)
}

func TestInfoFormat(t *testing.T) {
	info := Get()

	out, err := info.Format(FormatYAML)
	require.NoError(t, err)
	assert.Contains(t, out, "version:")

	out, err = info.Format(FormatJSON)
	require.NoError(t, err)
	assert.Contains(t, out, `"version"`)

	_, err = info.Format("toml")
	assert.Error(t, err)
}
