package postgres

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrationURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		dsn     string
		want    string
		wantErr bool
	}{
		{"postgres scheme", "postgres://rank:pw@db:5432/ranks?sslmode=disable", "pgx5://rank:pw@db:5432/ranks?sslmode=disable", false},
		{"postgresql scheme", "postgresql://db/ranks", "pgx5://db/ranks", false},
		{"already pgx5", "pgx5://db/ranks", "pgx5://db/ranks", false},
		{"keyword dsn", "host=db dbname=ranks", "", true},
		{"other scheme", "mysql://db/ranks", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := migrationURL(tc.dsn)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestMigrateRejectsNonURLDSN(t *testing.T) {
	t.Parallel()

	require.ErrorContains(t, Migrate("host=db dbname=ranks"), "postgres:// URL")
}
