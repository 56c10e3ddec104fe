// Package store — PostgreSQL Store implementation backed by pgx.
// The hosted deployment points DATABASE_URL at the managed Postgres instance
// that also serves the rest of the platform; this store only touches the
// mcp_server_configs and mcp_oauth_tokens tables.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atoms-tech/atomsAgent/pkg/models"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to the database and verifies reachability.
func OpenPostgres(ctx context.Context, dsn string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ── Server Configs ──────────────────────────────────────────

const serverConfigColumns = `
	id, name, namespace, scope, transport,
	COALESCE(command,''), COALESCE(args,'[]'::jsonb), COALESCE(env,'{}'::jsonb), COALESCE(url,''),
	auth_type, COALESCE(auth_config,'{}'::jsonb),
	COALESCE(user_id,''), COALESCE(organization_id,''), COALESCE(project_id,''),
	enabled, created_at, updated_at`

func (s *PostgresStore) ListServerConfigs(ctx context.Context, filter ConfigFilter) ([]models.ServerConfig, error) {
	query := `SELECT ` + serverConfigColumns + ` FROM mcp_server_configs WHERE scope = $1`
	args := []interface{}{string(filter.Scope)}

	switch filter.Scope {
	case models.ScopeOrganization:
		query += ` AND organization_id = $2`
		args = append(args, filter.OrganizationID)
	case models.ScopeUser:
		query += ` AND user_id = $2`
		args = append(args, filter.UserID)
	case models.ScopeProject:
		query += ` AND project_id = $2`
		args = append(args, filter.ProjectID)
	}
	if filter.EnabledOnly {
		query += ` AND enabled = true`
	}
	query += ` ORDER BY name`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ServerConfig
	for rows.Next() {
		cfg, err := scanServerConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cfg)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetServerConfig(ctx context.Context, id string) (*models.ServerConfig, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+serverConfigColumns+` FROM mcp_server_configs WHERE id = $1`, id)
	cfg, err := scanServerConfig(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "server config", Key: id}
	}
	return cfg, err
}

func (s *PostgresStore) CreateServerConfig(ctx context.Context, cfg *models.ServerConfig) error {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	argsJSON, _ := json.Marshal(cfg.Args)
	envJSON, _ := json.Marshal(cfg.Env)
	authJSON, _ := json.Marshal(cfg.AuthConfig)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO mcp_server_configs
			(id, name, namespace, scope, transport, command, args, env, url,
			 auth_type, auth_config, user_id, organization_id, project_id, enabled)
		VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb,$8::jsonb,$9,$10,$11::jsonb,
			NULLIF($12,''), NULLIF($13,''), NULLIF($14,''), $15)
	`, cfg.ID, cfg.Name, cfg.Namespace, string(cfg.Scope), string(cfg.Transport),
		cfg.Command, argsJSON, envJSON, cfg.URL,
		string(cfg.AuthType), authJSON,
		cfg.UserID, cfg.OrganizationID, cfg.ProjectID, cfg.Enabled)
	return err
}

func (s *PostgresStore) UpdateServerConfig(ctx context.Context, cfg *models.ServerConfig) error {
	argsJSON, _ := json.Marshal(cfg.Args)
	envJSON, _ := json.Marshal(cfg.Env)
	authJSON, _ := json.Marshal(cfg.AuthConfig)

	tag, err := s.pool.Exec(ctx, `
		UPDATE mcp_server_configs SET
			name=$2, namespace=$3, scope=$4, transport=$5, command=$6,
			args=$7::jsonb, env=$8::jsonb, url=$9, auth_type=$10, auth_config=$11::jsonb,
			user_id=NULLIF($12,''), organization_id=NULLIF($13,''), project_id=NULLIF($14,''),
			enabled=$15, updated_at=now()
		WHERE id=$1
	`, cfg.ID, cfg.Name, cfg.Namespace, string(cfg.Scope), string(cfg.Transport),
		cfg.Command, argsJSON, envJSON, cfg.URL,
		string(cfg.AuthType), authJSON,
		cfg.UserID, cfg.OrganizationID, cfg.ProjectID, cfg.Enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "server config", Key: cfg.ID}
	}
	return nil
}

func (s *PostgresStore) DeleteServerConfig(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM mcp_server_configs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "server config", Key: id}
	}
	return nil
}

func scanServerConfig(row pgx.Row) (*models.ServerConfig, error) {
	var cfg models.ServerConfig
	var scope, transport, authType string
	var argsJSON, envJSON, authJSON []byte

	err := row.Scan(&cfg.ID, &cfg.Name, &cfg.Namespace, &scope, &transport,
		&cfg.Command, &argsJSON, &envJSON, &cfg.URL,
		&authType, &authJSON,
		&cfg.UserID, &cfg.OrganizationID, &cfg.ProjectID,
		&cfg.Enabled, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	cfg.Scope = models.Scope(scope)
	cfg.Transport = models.TransportKind(transport)
	cfg.AuthType = models.AuthType(authType)
	if err := json.Unmarshal(argsJSON, &cfg.Args); err != nil {
		return nil, fmt.Errorf("decode args for %s: %w", cfg.ID, err)
	}
	if err := json.Unmarshal(envJSON, &cfg.Env); err != nil {
		return nil, fmt.Errorf("decode env for %s: %w", cfg.ID, err)
	}
	if err := json.Unmarshal(authJSON, &cfg.AuthConfig); err != nil {
		return nil, fmt.Errorf("decode auth_config for %s: %w", cfg.ID, err)
	}
	return &cfg, nil
}

// ── Tokens ──────────────────────────────────────────────────

func (s *PostgresStore) LatestToken(ctx context.Context, namespace string, identity models.Identity) (*models.OAuthToken, error) {
	// A user-bound token beats an organization-bound one; within each
	// binding the most recently issued row wins.
	row := s.pool.QueryRow(ctx, `
		SELECT id, namespace, COALESCE(user_id,''), COALESCE(organization_id,''),
			access_token, COALESCE(refresh_token,''), token_type, COALESCE(scope,''),
			issued_at, expires_at
		FROM mcp_oauth_tokens
		WHERE namespace = $1
		  AND (user_id = $2 OR (user_id IS NULL AND organization_id = NULLIF($3,'')))
		ORDER BY (user_id = $2) DESC, issued_at DESC
		LIMIT 1
	`, namespace, identity.UserID, identity.OrganizationID)

	var tok models.OAuthToken
	err := row.Scan(&tok.ID, &tok.Namespace, &tok.UserID, &tok.OrganizationID,
		&tok.AccessToken, &tok.RefreshToken, &tok.TokenType, &tok.Scope,
		&tok.IssuedAt, &tok.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "oauth token", Key: namespace}
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

func (s *PostgresStore) PutToken(ctx context.Context, token *models.OAuthToken) error {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	if token.IssuedAt.IsZero() {
		token.IssuedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mcp_oauth_tokens
			(id, namespace, user_id, organization_id, access_token, refresh_token,
			 token_type, scope, issued_at, expires_at)
		VALUES ($1,$2,NULLIF($3,''),NULLIF($4,''),$5,NULLIF($6,''),$7,NULLIF($8,''),$9,$10)
	`, token.ID, token.Namespace, token.UserID, token.OrganizationID,
		token.AccessToken, token.RefreshToken, token.TokenType, token.Scope,
		token.IssuedAt, token.ExpiresAt)
	return err
}
