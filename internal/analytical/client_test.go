// SPDX-License-Identifier: Apache-2.0

package analytical

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func openMemoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestClient(t *testing.T, clusterName string, shardCount int) *SQLClient {
	t.Helper()
	c := &SQLClient{cluster: openMemoryDB(t)}
	if clusterName != "" {
		c.clause = "ON CLUSTER " + clusterName
	}
	for i := 0; i < shardCount; i++ {
		c.shards = append(c.shards, openMemoryDB(t))
	}
	return c
}

// ============================================================================
// Statement rendering
// ============================================================================

func TestRender(t *testing.T) {
	c := newTestClient(t, "events", 0)

	testCases := []struct {
		name     string
		stmt     Statement
		expected string
	}{
		{
			name:     "on-cluster scope substitutes the clause",
			stmt:     Statement{SQL: "ALTER TABLE sharded_events " + ClusterClausePlaceholder + " DROP COLUMN x", Scope: ScopeOnCluster},
			expected: "ALTER TABLE sharded_events ON CLUSTER events DROP COLUMN x",
		},
		{
			name:     "other scopes strip the placeholder",
			stmt:     Statement{SQL: "ALTER TABLE sharded_events " + ClusterClausePlaceholder + " DROP COLUMN x", Scope: ScopePerShard},
			expected: "ALTER TABLE sharded_events  DROP COLUMN x",
		},
		{
			name:     "query id becomes a traceable comment prefix",
			stmt:     Statement{SQL: "SELECT 1", QueryID: "q-123"},
			expected: "/* query_id=q-123 */ SELECT 1",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, c.render(tc.stmt))
		})
	}
}

func TestRender_SingleNodeStripsClause(t *testing.T) {
	c := newTestClient(t, "", 0)
	rendered := c.render(Statement{SQL: "CREATE TABLE t " + ClusterClausePlaceholder + " (id INTEGER)", Scope: ScopeOnCluster})
	assert.Equal(t, "CREATE TABLE t  (id INTEGER)", rendered)
}

// ============================================================================
// Execute
// ============================================================================

func TestExecute_SingleScopeRunsOnCluster(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, "", 1)

	require.NoError(t, c.Execute(ctx, Statement{
		SQL:     "CREATE TABLE single_scope (id INTEGER)",
		QueryID: "q-1",
		Scope:   ScopeSingle,
	}))

	var count int
	require.NoError(t, c.cluster.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE name = 'single_scope'").Scan(&count))
	assert.Equal(t, 1, count)

	// The shard connection must not have been touched.
	require.NoError(t, c.shards[0].QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE name = 'single_scope'").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestExecute_PerShardRunsOnEveryShard(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, "", 3)

	require.NoError(t, c.Execute(ctx, Statement{
		SQL:   "CREATE TABLE shard_scope (id INTEGER)",
		Scope: ScopePerShard,
	}))

	for i, shard := range c.shards {
		var count int
		require.NoError(t, shard.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE name = 'shard_scope'").Scan(&count))
		assert.Equal(t, 1, count, "shard %d missing the table", i)
	}

	var count int
	require.NoError(t, c.cluster.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE name = 'shard_scope'").Scan(&count))
	assert.Equal(t, 0, count, "per-shard statements never run on the cluster connection")
}

func TestExecute_PerShardWithoutShards(t *testing.T) {
	c := newTestClient(t, "", 0)

	err := c.Execute(context.Background(), Statement{SQL: "SELECT 1", Scope: ScopePerShard})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no shards are configured")
}

func TestExecute_BindsArgs(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, "", 0)

	require.NoError(t, c.Execute(ctx, Statement{SQL: "CREATE TABLE events (uuid TEXT)"}))
	require.NoError(t, c.Execute(ctx, Statement{SQL: "INSERT INTO events (uuid) VALUES (?)", Args: []any{"abc"}}))

	n, err := c.QueryScalar(ctx, "SELECT COUNT(*) FROM events WHERE uuid = ?", "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// ============================================================================
// Scalar queries
// ============================================================================

func TestQueryScalar(t *testing.T) {
	c := newTestClient(t, "", 0)

	n, err := c.QueryScalar(context.Background(), "SELECT 41 + 1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}

func TestShardCount(t *testing.T) {
	assert.Equal(t, 0, newTestClient(t, "", 0).ShardCount())
	assert.Equal(t, 2, newTestClient(t, "", 2).ShardCount())
}

// ============================================================================
// Scope
// ============================================================================

func TestShardScopeString(t *testing.T) {
	assert.Equal(t, "single", ScopeSingle.String())
	assert.Equal(t, "per-shard", ScopePerShard.String())
	assert.Equal(t, "on-cluster", ScopeOnCluster.String())
}
