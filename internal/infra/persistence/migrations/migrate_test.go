package migrations

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	dbmigrations "github.com/coachpo/venuelink/db/migrations"
)

func TestResolveDirRejectsFiles(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "0001.up.sql")
	require.NoError(t, os.WriteFile(file, []byte("SELECT 1;"), 0o600))

	_, err := resolveDir(file)
	require.ErrorIs(t, err, errNotDirectory)

	_, err = resolveDir("  ")
	require.Error(t, err)

	resolved, err := resolveDir(dir)
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(resolved))
}

func TestFileURLUsesFileScheme(t *testing.T) {
	require.Equal(t, "file:///srv/migrations", fileURL("/srv/migrations"))
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := dbmigrations.Files.ReadDir(".")
	require.NoError(t, err)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case filepath.Ext(name) != ".sql":
			continue
		case len(name) > len(".up.sql") && name[len(name)-len(".up.sql"):] == ".up.sql":
			ups[name[:len(name)-len(".up.sql")]] = true
		case len(name) > len(".down.sql") && name[len(name)-len(".down.sql"):] == ".down.sql":
			downs[name[:len(name)-len(".down.sql")]] = true
		}
	}
	require.NotEmpty(t, ups)
	require.Equal(t, ups, downs)
}

func TestRollbackRejectsNonPositiveSteps(t *testing.T) {
	err := Rollback(t.Context(), "postgres://unused", t.TempDir(), 0, nil)
	require.Error(t, err)
}
