package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunRejectsIncompleteInvocations(t *testing.T) {
	require.ErrorContains(t, run(nil), "--database flag is required")
	require.ErrorContains(t, run([]string{"--database", "postgresql://localhost/db"}), "command required")
	require.ErrorContains(t, run([]string{"--database", "postgresql://localhost/db", "sideways"}), "unknown command")
	require.ErrorContains(t, run([]string{"--database", "postgresql://localhost/db", "down"}), "--path is required")
	require.ErrorContains(t, run([]string{"--database", "postgresql://localhost/db", "-q", "down", "x", "--path", "db/migrations"}), "invalid down steps")
}
