package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/slok/sbxd/internal/log"
	"github.com/slok/sbxd/internal/model"
	"github.com/slok/sbxd/internal/storage/sqlite/migrations"
)

// RepositoryConfig is the configuration for the SQLite repository.
type RepositoryConfig struct {
	DBPath string
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.SQLite"})
	return nil
}

// Repository is a SQLite implementation of storage.Repository.
type Repository struct {
	db     *sql.DB
	logger log.Logger
}

// NewRepository creates a new SQLite repository.
func NewRepository(ctx context.Context, cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	migrator, err := migrations.NewMigrator(migrations.MigratorConfig{DB: db, Logger: cfg.Logger})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create migrator: %w", err)
	}
	version, err := migrator.Up()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not run migrations: %w", err)
	}

	cfg.Logger.Debugf("SQLite repository initialized at %s (schema v%d)", cfg.DBPath, version)

	return &Repository{db: db, logger: cfg.Logger}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error { return r.db.Close() }

const sandboxColumns = `
	id, owner, state, container_id,
	spec, ports, volumes, error,
	created_at, last_active_at, started_at, updated_at
`

// UpsertSandbox creates or replaces a sandbox record.
func (r *Repository) UpsertSandbox(ctx context.Context, s model.Sandbox) error {
	if s.ID == "" {
		return fmt.Errorf("sandbox id is required: %w", model.ErrNotValid)
	}

	spec, err := json.Marshal(s.Spec)
	if err != nil {
		return fmt.Errorf("could not marshal spec: %w", err)
	}
	ports, err := json.Marshal(nonNil(s.Ports))
	if err != nil {
		return fmt.Errorf("could not marshal ports: %w", err)
	}
	volumes, err := json.Marshal(nonNil(s.Volumes))
	if err != nil {
		return fmt.Errorf("could not marshal volumes: %w", err)
	}

	var startedAt *int64
	if s.StartedAt != nil {
		u := s.StartedAt.UnixMilli()
		startedAt = &u
	}

	query := `
		INSERT INTO sandboxes (` + sandboxColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner = excluded.owner,
			state = excluded.state,
			container_id = excluded.container_id,
			spec = excluded.spec,
			ports = excluded.ports,
			volumes = excluded.volumes,
			error = excluded.error,
			created_at = excluded.created_at,
			last_active_at = excluded.last_active_at,
			started_at = excluded.started_at,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(
		ctx,
		query,
		s.ID,
		s.Owner,
		s.State,
		s.ContainerID,
		string(spec),
		string(ports),
		string(volumes),
		s.Error,
		s.CreatedAt.UnixMilli(),
		s.LastActiveAt.UnixMilli(),
		startedAt,
		s.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("could not upsert sandbox: %w", err)
	}

	r.logger.Debugf("Upserted sandbox %s in repository (state: %s)", s.ID, s.State)
	return nil
}

// GetSandbox retrieves a sandbox by ID.
func (r *Repository) GetSandbox(ctx context.Context, id string) (*model.Sandbox, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sandboxColumns+` FROM sandboxes WHERE id = ?`, id)
	sandbox, err := scanSandbox(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sandbox %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query sandbox: %w", err)
	}

	return &sandbox, nil
}

// ListSandboxes returns all sandboxes, oldest first.
func (r *Repository) ListSandboxes(ctx context.Context) ([]model.Sandbox, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sandboxColumns+` FROM sandboxes ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("could not query sandboxes: %w", err)
	}
	defer rows.Close()

	var sandboxes []model.Sandbox
	for rows.Next() {
		sandbox, err := scanSandbox(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		sandboxes = append(sandboxes, sandbox)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return sandboxes, nil
}

// DeleteSandbox deletes a sandbox.
func (r *Repository) DeleteSandbox(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sandboxes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("could not delete sandbox: %w", err)
	}

	if err := checkAffected(result, "sandbox", id); err != nil {
		return err
	}

	r.logger.Debugf("Deleted sandbox from repository: %s", id)
	return nil
}

const volumeColumns = `name, driver, size_bytes, mount_path, mounters, created_at`

// UpsertVolume creates or replaces a volume record.
func (r *Repository) UpsertVolume(ctx context.Context, v model.Volume) error {
	if v.Name == "" {
		return fmt.Errorf("volume name is required: %w", model.ErrNotValid)
	}

	mounters, err := json.Marshal(nonNil(v.Mounters))
	if err != nil {
		return fmt.Errorf("could not marshal mounters: %w", err)
	}

	query := `
		INSERT INTO volumes (` + volumeColumns + `)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			driver = excluded.driver,
			size_bytes = excluded.size_bytes,
			mount_path = excluded.mount_path,
			mounters = excluded.mounters
	`
	_, err = r.db.ExecContext(ctx, query, v.Name, v.Driver, v.SizeBytes, v.MountPath, string(mounters), v.CreatedAt.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "constraint failed") {
			return fmt.Errorf("volume %s: %w", v.Name, model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not upsert volume: %w", err)
	}

	r.logger.Debugf("Upserted volume %s in repository", v.Name)
	return nil
}

// GetVolume retrieves a volume by name.
func (r *Repository) GetVolume(ctx context.Context, name string) (*model.Volume, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+volumeColumns+` FROM volumes WHERE name = ?`, name)
	v, err := scanVolume(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("volume %s: %w", name, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query volume: %w", err)
	}

	return &v, nil
}

// ListVolumes returns all volumes sorted by name.
func (r *Repository) ListVolumes(ctx context.Context) ([]model.Volume, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+volumeColumns+` FROM volumes ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("could not query volumes: %w", err)
	}
	defer rows.Close()

	var volumes []model.Volume
	for rows.Next() {
		v, err := scanVolume(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		volumes = append(volumes, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return volumes, nil
}

// DeleteVolume deletes a volume.
func (r *Repository) DeleteVolume(ctx context.Context, name string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM volumes WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("could not delete volume: %w", err)
	}

	if err := checkAffected(result, "volume", name); err != nil {
		return err
	}

	r.logger.Debugf("Deleted volume from repository: %s", name)
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSandbox(s scanner) (model.Sandbox, error) {
	var (
		sandbox                            model.Sandbox
		spec, ports, volumes               string
		createdAt, lastActiveAt, updatedAt int64
		startedAt                          sql.NullInt64
	)

	err := s.Scan(
		&sandbox.ID,
		&sandbox.Owner,
		&sandbox.State,
		&sandbox.ContainerID,
		&spec,
		&ports,
		&volumes,
		&sandbox.Error,
		&createdAt,
		&lastActiveAt,
		&startedAt,
		&updatedAt,
	)
	if err != nil {
		return model.Sandbox{}, err
	}

	if err := json.Unmarshal([]byte(spec), &sandbox.Spec); err != nil {
		return model.Sandbox{}, fmt.Errorf("could not unmarshal spec: %w", err)
	}
	if err := json.Unmarshal([]byte(ports), &sandbox.Ports); err != nil {
		return model.Sandbox{}, fmt.Errorf("could not unmarshal ports: %w", err)
	}
	if err := json.Unmarshal([]byte(volumes), &sandbox.Volumes); err != nil {
		return model.Sandbox{}, fmt.Errorf("could not unmarshal volumes: %w", err)
	}

	sandbox.CreatedAt = timeFromUnixMilli(createdAt)
	sandbox.LastActiveAt = timeFromUnixMilli(lastActiveAt)
	sandbox.UpdatedAt = timeFromUnixMilli(updatedAt)
	if startedAt.Valid {
		t := timeFromUnixMilli(startedAt.Int64)
		sandbox.StartedAt = &t
	}

	return sandbox, nil
}

func scanVolume(s scanner) (model.Volume, error) {
	var (
		v         model.Volume
		mounters  string
		createdAt int64
	)
	if err := s.Scan(&v.Name, &v.Driver, &v.SizeBytes, &v.MountPath, &mounters, &createdAt); err != nil {
		return model.Volume{}, err
	}
	if err := json.Unmarshal([]byte(mounters), &v.Mounters); err != nil {
		return model.Volume{}, fmt.Errorf("could not unmarshal mounters: %w", err)
	}
	v.CreatedAt = timeFromUnixMilli(createdAt)

	return v, nil
}

func checkAffected(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, model.ErrNotFound)
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func timeFromUnixMilli(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
