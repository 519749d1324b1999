// Package dbconn resolves working database connections for an environment
// from a ranked list of candidate endpoints.
//
// Resolution order is shared pooler, then (after a management-API hostname
// lookup) an API-resolved pooler, then the direct database host. Nothing is
// cached between calls: poolers rotate hostnames, so every logical operation
// resolves fresh.
package dbconn

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/okvist/pgreconcile/internal/config"
)

const connectTimeout = 10 * time.Second

// HostResolver is the management-API fallback used to re-resolve a pooler
// hostname when the shared pooler is unreachable.
type HostResolver interface {
	ResolvePoolerHost(ctx context.Context, projectRef, token string) (string, error)
}

// Querier is the slice of pgx.Conn the engine needs. Keeping it an interface
// lets tests substitute a fake connection.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close(ctx context.Context) error
}

// connectFunc dials and verifies one endpoint. Swapped out in tests.
type connectFunc func(ctx context.Context, connString string) (Querier, error)

// Conn is a resolved, verified connection together with the endpoint that
// produced it.
type Conn struct {
	Conn     Querier
	Endpoint Endpoint
	Env      config.Environment
}

// Close closes the underlying connection.
func (c *Conn) Close(ctx context.Context) error {
	if c.Conn == nil {
		return nil
	}
	return c.Conn.Close(ctx)
}

// Resolver yields working connections for environments.
type Resolver struct {
	api     HostResolver
	log     *zap.Logger
	connect connectFunc
}

// NewResolver builds a Resolver. api may be nil when no management-API token
// is available; the API-resolution step is then skipped.
func NewResolver(api HostResolver, log *zap.Logger) *Resolver {
	return &Resolver{api: api, log: log, connect: dial}
}

// dial connects and runs a trivial query so that a connection which completes
// the TLS handshake but cannot execute anything is still treated as failed.
func dial(ctx context.Context, connString string) (Querier, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}
	var one int
	if err := conn.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("handshake query failed: %w", err)
	}
	return conn, nil
}

// Resolve walks the candidate endpoints for env in preference order and
// returns the first one that completes a handshake. purpose is only used for
// logging and failure messages ("introspect source", "apply plan", ...).
//
// On total failure the returned error is a *ConnectFailure listing every
// attempt.
func (r *Resolver) Resolve(ctx context.Context, env config.Environment, purpose string) (*Conn, error) {
	failure := &ConnectFailure{EnvName: env.Name, Purpose: purpose}

	try := func(ep Endpoint) *Conn {
		r.log.Debug("trying endpoint",
			zap.String("env", env.Name),
			zap.String("endpoint", ep.Label),
			zap.String("addr", ep.Addr()))
		conn, err := r.connect(ctx, ep.ConnString(env))
		if err != nil {
			attempt := Attempt{Endpoint: ep, Reason: classifyConnectErr(err), Err: err}
			failure.Attempts = append(failure.Attempts, attempt)
			r.log.Warn("endpoint failed",
				zap.String("env", env.Name),
				zap.String("endpoint", ep.Label),
				zap.String("reason", string(attempt.Reason)),
				zap.Error(err))
			return nil
		}
		r.log.Info("connected",
			zap.String("env", env.Name),
			zap.String("purpose", purpose),
			zap.String("endpoint", ep.Label),
			zap.String("addr", ep.Addr()))
		return &Conn{Conn: conn, Endpoint: ep, Env: env}
	}

	if env.PoolerRegion != "" {
		if c := try(PooledEndpoint(env)); c != nil {
			return c, nil
		}
		// Pooled candidates exhausted: one management-API lookup, then retry
		// with whatever hostname it reports.
		if r.api != nil && env.APIToken != "" {
			host, err := r.api.ResolvePoolerHost(ctx, env.ProjectRef, env.APIToken)
			if err != nil {
				r.log.Warn("pooler host re-resolution failed", zap.String("env", env.Name), zap.Error(err))
			} else if c := try(ResolvedEndpoint(env, host)); c != nil {
				return c, nil
			}
		}
	}

	if c := try(DirectEndpoint(env)); c != nil {
		return c, nil
	}

	return nil, failure
}
