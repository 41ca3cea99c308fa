package main

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseInvocationDefaults(t *testing.T) {
	inv, err := parseInvocation([]string{"-database", "postgres://localhost/optflow", "up"}, io.Discard)
	require.NoError(t, err)
	require.Equal(t, directionUp, inv.direction)
	require.Equal(t, defaultMigrationsPath, inv.dir)
	require.Equal(t, defaultTimeout, inv.timeout)
	require.Equal(t, 1, inv.steps)
	require.False(t, inv.embedded())
}

func TestParseInvocationDownSteps(t *testing.T) {
	inv, err := parseInvocation([]string{"-database", "dsn", "-timeout", "5s", "down", "3"}, io.Discard)
	require.NoError(t, err)
	require.Equal(t, directionDown, inv.direction)
	require.Equal(t, 3, inv.steps)
	require.Equal(t, 5*time.Second, inv.timeout)
}

func TestParseInvocationEmbedded(t *testing.T) {
	inv, err := parseInvocation([]string{"-database", "dsn", "-path", embeddedPath, "up"}, io.Discard)
	require.NoError(t, err)
	require.True(t, inv.embedded())

	_, err = parseInvocation([]string{"-database", "dsn", "-path", embeddedPath, "down"}, io.Discard)
	require.ErrorContains(t, err, "embedded")
}

func TestParseInvocationRejects(t *testing.T) {
	cases := map[string][]string{
		"missing dsn":     {"up"},
		"blank path":      {"-database", "dsn", "-path", " ", "up"},
		"missing command": {"-database", "dsn"},
		"unknown command": {"-database", "dsn", "sideways"},
		"bad steps":       {"-database", "dsn", "down", "two"},
		"zero steps":      {"-database", "dsn", "down", "0"},
		"unknown flag":    {"-verbose", "-database", "dsn", "up"},
	}
	for name, args := range cases {
		_, err := parseInvocation(args, io.Discard)
		require.Error(t, err, name)
	}
}
