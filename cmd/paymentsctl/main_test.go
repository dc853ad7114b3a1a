package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRate(t *testing.T) {
	rate, err := parseRate(" usd", "ngn ", "1550.25")
	require.NoError(t, err)
	assert.Equal(t, "USD", rate.Base)
	assert.Equal(t, "NGN", rate.Quote)
	assert.Equal(t, "1550.25", rate.Rate.String())

	tests := []struct {
		name              string
		base, quote, rate string
	}{
		{"bad base", "US", "NGN", "1"},
		{"same currency", "USD", "usd", "1"},
		{"not a number", "USD", "NGN", "lots"},
		{"zero", "USD", "NGN", "0"},
		{"negative", "USD", "NGN", "-2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseRate(tt.base, tt.quote, tt.rate)
			assert.Error(t, err)
		})
	}
}

func TestRootCommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range []interface{ Name() string }{
		migrateCmd(), reconcileCmd(), recoverCmd(), sweepCmd(), rateCmd(),
	} {
		names[c.Name()] = true
	}
	assert.Equal(t, map[string]bool{
		"migrate": true, "reconcile": true, "recover": true, "sweep": true, "rate": true,
	}, names)

	require.NotNil(t, reconcileCmd().Flags().Lookup("recheck"))
}
