package migrations

import (
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(sqlFS, "sql")
	require.NoError(t, err)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Fatalf("unexpected file in migrations: %s", name)
		}
	}

	require.NotEmpty(t, ups)
	var names []string
	for name := range ups {
		names = append(names, name)
		assert.True(t, downs[name], "missing down migration for %s", name)
	}
	sort.Strings(names)
	assert.True(t, strings.HasPrefix(names[0], "000001_"))
}

func TestSubscriptionsMigrationKeysOnUser(t *testing.T) {
	body, err := fs.ReadFile(sqlFS, "sql/000001_create_subscriptions.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(body), "user_key             TEXT PRIMARY KEY")
	assert.Contains(t, string(body), "subscription_ref LIKE 'sub\\_%'")
}

func TestIsDirty(t *testing.T) {
	assert.True(t, IsDirty(fmt.Errorf("wrapped: %w", migrate.ErrDirty{Version: 2})))
	assert.False(t, IsDirty(migrate.ErrNoChange))
}
