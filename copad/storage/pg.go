// Package storage provides reference implementations of the project storage
// hooks over Postgres, Redis and a local bolt file. The core never imports
// this package; the daemon wires an adapter into the hook contract.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/copadhq/copad/copad"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS projects (
    name TEXT PRIMARY KEY,
    archive JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS project_backups (
    id BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL,
    archive JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

type PgStorage struct {
	pool *pgxpool.Pool
}

func NewPgStorage(ctx context.Context, url string) (*PgStorage, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, err
	}
	return &PgStorage{pool: pool}, nil
}

func (self *PgStorage) Close() {
	self.pool.Close()
}

func (self *PgStorage) DownloadProject(ctx context.Context, name string) (*copad.Archive, error) {
	var archiveBytes []byte
	err := self.pool.QueryRow(ctx,
		`SELECT archive FROM projects WHERE name = $1`,
		name,
	).Scan(&archiveBytes)
	if errors.Is(err, pgx.ErrNoRows) {
		// a missing project starts empty
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	archive := &copad.Archive{}
	if err := json.Unmarshal(archiveBytes, archive); err != nil {
		return nil, err
	}
	return archive, nil
}

func (self *PgStorage) UploadProject(ctx context.Context, name string, archive *copad.Archive) error {
	archiveBytes, err := json.Marshal(archive)
	if err != nil {
		return err
	}
	_, err = self.pool.Exec(ctx,
		`INSERT INTO projects (name, archive, updated_at) VALUES ($1, $2, $3)
         ON CONFLICT (name) DO UPDATE SET archive = $2, updated_at = $3`,
		name, archiveBytes, time.Now().UTC(),
	)
	return err
}

func (self *PgStorage) BackupProject(ctx context.Context, name string, archive *copad.Archive) error {
	archiveBytes, err := json.Marshal(archive)
	if err != nil {
		return err
	}
	_, err = self.pool.Exec(ctx,
		`INSERT INTO project_backups (name, archive) VALUES ($1, $2)`,
		name, archiveBytes,
	)
	return err
}

// RestoreProject returns the newest backup, falling back to the uploaded
// archive.
func (self *PgStorage) RestoreProject(ctx context.Context, name string) (*copad.Archive, error) {
	var archiveBytes []byte
	err := self.pool.QueryRow(ctx,
		`SELECT archive FROM project_backups WHERE name = $1 ORDER BY id DESC LIMIT 1`,
		name,
	).Scan(&archiveBytes)
	if errors.Is(err, pgx.ErrNoRows) {
		return self.DownloadProject(ctx, name)
	}
	if err != nil {
		return nil, err
	}
	archive := &copad.Archive{}
	if err := json.Unmarshal(archiveBytes, archive); err != nil {
		return nil, err
	}
	return archive, nil
}

// Bind installs the adapter as the storage hooks.
func (self *PgStorage) Bind(hooks *copad.Hooks) {
	hooks.DownloadProject = self.DownloadProject
	hooks.UploadProject = self.UploadProject
	hooks.BackupProject = self.BackupProject
	hooks.RestoreProject = self.RestoreProject
}
