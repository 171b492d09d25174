package sql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckParameterForInjection(t *testing.T) {
	tests := []struct {
		name            string
		value           string
		expectInjection bool
	}{
		{name: "tenant name", value: "Acme Towers"},
		{name: "city", value: "São Paulo"},
		{name: "slug", value: "acme-towers"},
		{name: "apostrophe", value: "O'Brien"},
		{name: "empty", value: ""},
		{name: "classic quote injection", value: "' OR '1'='1", expectInjection: true},
		{name: "drop table injection", value: "'; DROP TABLE users--", expectInjection: true},
		{name: "union select injection", value: "1 UNION SELECT * FROM passwords", expectInjection: true},
		{name: "comment injection", value: "admin'--", expectInjection: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CheckParameterForInjection("search", tt.value)
			if !tt.expectInjection {
				assert.Nil(t, result)
				return
			}
			require.NotNil(t, result)
			assert.True(t, result.IsSQLi)
			assert.NotEmpty(t, result.Fingerprint)
			assert.Equal(t, "search", result.ParamName)
			assert.Equal(t, tt.value, result.ParamValue)
		})
	}
}

func TestCheckAllParameters(t *testing.T) {
	results := CheckAllParameters(map[string]string{
		"search": "'; DROP TABLE users--",
		"city":   "Lisbon",
	})

	require.Len(t, results, 1)
	assert.Equal(t, "search", results[0].ParamName)

	assert.Empty(t, CheckAllParameters(map[string]string{}))
}
