package store

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSQL(t *testing.T) {
	script := `-- header comment
CREATE TABLE a (id INT); -- trailing
INSERT INTO a VALUES ('x;y');

CREATE INDEX idx ON a (id)`

	stmts := splitSQL(script)
	require.Len(t, stmts, 3)
	assert.Equal(t, "CREATE TABLE a (id INT)", stmts[0])
	assert.Equal(t, "INSERT INTO a VALUES ('x;y')", stmts[1])
	assert.Equal(t, "CREATE INDEX idx ON a (id)", stmts[2])

	assert.Empty(t, splitSQL("-- only a comment\n\n"))
}

func TestValidateMigrationFileName(t *testing.T) {
	v, err := validateMigrationFileName("07__add_column.sql")
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	_, err = validateMigrationFileName("add_column.sql")
	assert.Error(t, err)
	_, err = validateMigrationFileName("x1__add_column.sql")
	assert.Error(t, err)
}

func TestListMigrations(t *testing.T) {
	t.Run("Embedded", func(t *testing.T) {
		for _, dialect := range []string{"sqlite", "postgres"} {
			files, err := listMigrations(migrationFS, dialect)
			require.NoError(t, err)
			require.NotEmpty(t, files, dialect)
			for i := 1; i < len(files); i++ {
				assert.Less(t, files[i-1].version, files[i].version)
			}
		}
	})

	t.Run("SortsNumerically", func(t *testing.T) {
		fsys := fstest.MapFS{
			"migration/sqlite/LATEST.sql":        {Data: []byte("SELECT 1;")},
			"migration/sqlite/10__later.sql":     {Data: []byte("SELECT 1;")},
			"migration/sqlite/02__earlier.sql":   {Data: []byte("SELECT 1;")},
			"migration/postgres/01__ignored.sql": {Data: []byte("SELECT 1;")},
		}
		files, err := listMigrations(fsys, "sqlite")
		require.NoError(t, err)
		require.Len(t, files, 2)
		assert.Equal(t, 2, files[0].version)
		assert.Equal(t, 10, files[1].version)
	})

	t.Run("RejectsBadName", func(t *testing.T) {
		fsys := fstest.MapFS{"migration/sqlite/bad.sql": {Data: []byte("SELECT 1;")}}
		_, err := listMigrations(fsys, "sqlite")
		assert.Error(t, err)
	})
}
