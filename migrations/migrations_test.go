package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readMigration(t *testing.T, name string) string {
	t.Helper()
	b, err := fs.ReadFile(FS, name)
	require.NoError(t, err)
	return string(b)
}

func TestMigrationsAreOrdered(t *testing.T) {
	names, err := fs.Glob(FS, "*.sql")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"00001_posts_and_communities.sql",
		"00002_scheduled_tasks.sql",
		"00003_analytics_snapshots.sql",
	}, names)
	for _, name := range names {
		sql := readMigration(t, name)
		assert.Contains(t, sql, "-- +goose Up", name)
		assert.Contains(t, sql, "-- +goose Down", name)
	}
}

func TestPendingTaskIndexLeavesClaimedRowsOut(t *testing.T) {
	sql := readMigration(t, "00002_scheduled_tasks.sql")
	i := strings.Index(sql, "uq_tasks_pending_target")
	require.NotEqual(t, -1, i)
	index := sql[i:]
	index = index[:strings.Index(index, ";")]
	assert.Contains(t, index, "WHERE status = 'pending'")
	assert.NotContains(t, index, "claimed")
}

func TestSnapshotValuesKeepTwoDecimals(t *testing.T) {
	sql := readMigration(t, "00003_analytics_snapshots.sql")
	assert.Contains(t, sql, "metric_value     NUMERIC(15,2) NOT NULL")
}
