// SPDX-License-Identifier: Apache-2.0

package analytical

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/automa-saga/logx"
	"github.com/joomcode/errorx"
)

// SQLClient talks to the analytical store over database/sql. One connection
// points at the cluster entry point; shard connections are indexed by their
// position in the configured DSN list, which keeps the shard-to-connection
// mapping stable across calls.
type SQLClient struct {
	cluster *sql.DB
	shards  []*sql.DB
	// clause is the ON CLUSTER clause substituted for the placeholder, e.g.
	// "ON CLUSTER events". Empty for single-node deployments.
	clause string
}

// NewSQLClient opens the cluster and shard connections. clusterName may be
// empty, in which case on-cluster statements run like single ones.
func NewSQLClient(driver, clusterDSN, clusterName string, shardDSNs []string) (*SQLClient, error) {
	cluster, err := sql.Open(driver, clusterDSN)
	if err != nil {
		return nil, errorx.IllegalState.Wrap(err, "failed to open analytical store connection")
	}

	shards := make([]*sql.DB, 0, len(shardDSNs))
	for i, dsn := range shardDSNs {
		db, err := sql.Open(driver, dsn)
		if err != nil {
			return nil, errorx.IllegalState.Wrap(err, "failed to open shard %d connection", i)
		}
		shards = append(shards, db)
	}

	clause := ""
	if clusterName != "" {
		clause = fmt.Sprintf("ON CLUSTER %s", clusterName)
	}

	return &SQLClient{cluster: cluster, shards: shards, clause: clause}, nil
}

func (c *SQLClient) Close() error {
	err := c.cluster.Close()
	for _, s := range c.shards {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (c *SQLClient) ShardCount() int {
	return len(c.shards)
}

// render resolves the cluster clause placeholder and prefixes the query id as
// a comment so the statement can be traced in the store's query log.
func (c *SQLClient) render(stmt Statement) string {
	rendered := stmt.SQL
	if stmt.Scope == ScopeOnCluster {
		rendered = strings.ReplaceAll(rendered, ClusterClausePlaceholder, c.clause)
	} else {
		rendered = strings.ReplaceAll(rendered, ClusterClausePlaceholder, "")
	}
	if stmt.QueryID != "" {
		rendered = fmt.Sprintf("/* query_id=%s */ %s", stmt.QueryID, rendered)
	}
	return rendered
}

func (c *SQLClient) Execute(ctx context.Context, stmt Statement) error {
	if stmt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, stmt.Timeout)
		defer cancel()
	}

	rendered := c.render(stmt)

	if stmt.Scope == ScopePerShard {
		if len(c.shards) == 0 {
			return errorx.IllegalState.New("per-shard statement issued but no shards are configured")
		}
		for i, shard := range c.shards {
			logx.As().Debug().
				Int("shard", i).
				Str("query_id", stmt.QueryID).
				Msg("Executing statement on shard")
			if _, err := shard.ExecContext(ctx, rendered, stmt.Args...); err != nil {
				return errorx.IllegalState.Wrap(err, "statement failed on shard %d", i)
			}
		}
		return nil
	}

	logx.As().Debug().
		Str("scope", stmt.Scope.String()).
		Str("query_id", stmt.QueryID).
		Msg("Executing statement")
	if _, err := c.cluster.ExecContext(ctx, rendered, stmt.Args...); err != nil {
		return errorx.IllegalState.Wrap(err, "statement failed")
	}
	return nil
}

func (c *SQLClient) QueryScalar(ctx context.Context, query string, args ...any) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var v int64
	if err := c.cluster.QueryRowContext(ctx, query, args...).Scan(&v); err != nil {
		return 0, errorx.IllegalState.Wrap(err, "scalar query failed")
	}
	return v, nil
}

func (c *SQLClient) ServerVersion(ctx context.Context) (string, error) {
	var v string
	if err := c.cluster.QueryRowContext(ctx, "SELECT version()").Scan(&v); err != nil {
		return "", errorx.IllegalState.Wrap(err, "failed to read server version")
	}
	return v, nil
}
