package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"guard-service/internal/config"
	"guard-service/internal/util"
)

// Statements are the CQL the repositories run. gocql prepares and caches
// them per session on first execution.
type Statements struct {
	InsertEvidence       string
	ListEvidenceByBucket string
}

var statements = Statements{
	InsertEvidence: `
        INSERT INTO guard_evidence (
            event_bucket, event_date, event_time, record_id,
            key, key_fingerprint, sealed_key, sealed_dek, seal_key_id, seal_version,
            count, threshold, risk_label, message
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,

	ListEvidenceByBucket: `
        SELECT record_id, event_time, key, key_fingerprint,
            sealed_key, sealed_dek, seal_key_id, seal_version,
            count, threshold, risk_label, message, event_bucket, event_date
        FROM guard_evidence WHERE event_bucket = ? AND event_date = ? LIMIT ?`,
}

const createEvidenceTable = `
    CREATE TABLE IF NOT EXISTS guard_evidence (
        event_bucket int,
        event_date text,
        event_time timestamp,
        record_id uuid,
        key text,
        key_fingerprint text,
        sealed_key text,
        sealed_dek text,
        seal_key_id text,
        seal_version text,
        count bigint,
        threshold bigint,
        risk_label text,
        message text,
        PRIMARY KEY ((event_bucket, event_date), event_time, record_id)
    ) WITH CLUSTERING ORDER BY (event_time ASC, record_id ASC)`

type ScyllaClient struct {
	Session    *gocql.Session
	config     *config.ScyllaConfig
	Statements Statements
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 100
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 scyllaConfig.CAFile,
			CertPath:               scyllaConfig.CertFile,
			KeyPath:                scyllaConfig.KeyFile,
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	logger.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return &ScyllaClient{
		Session:    session,
		config:     &scyllaConfig,
		Statements: statements,
	}, nil
}

// EnsureSchema creates the evidence table when it does not exist.
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	if err := s.Session.Query(createEvidenceTable).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("failed to create guard_evidence table: %w", err)
	}
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

// ExecuteWithRetry retries query with linear backoff until maxRetries is
// spent or ctx is done. Only idempotent statements belong here.
func (s *ScyllaClient) ExecuteWithRetry(ctx context.Context, query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if lastErr = query.WithContext(ctx).Exec(); lastErr == nil {
			return nil
		}
		if i == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %w)", ctx.Err(), lastErr)
		case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
		}
	}
	return lastErr
}
