package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/rejourney/ingest-server-go/internal/model"
)

type ProjectRepository interface {
	FindByID(ctx context.Context, id string) (*model.Project, error)
	FindByAPIKeyHash(ctx context.Context, keyHash string) (*model.Project, error)
}

type projectRepo struct {
	db sqlxDB
}

func NewProjectRepository(db *sqlx.DB) ProjectRepository {
	return &projectRepo{db: db}
}

func (r *projectRepo) FindByID(ctx context.Context, id string) (*model.Project, error) {
	var project model.Project
	err := r.db.GetContext(ctx, &project, `
		SELECT * FROM projects WHERE id = $1 AND deleted_at IS NULL
	`, id)
	return HandleNotFound(&project, err)
}

func (r *projectRepo) FindByAPIKeyHash(ctx context.Context, keyHash string) (*model.Project, error) {
	var project model.Project
	err := r.db.GetContext(ctx, &project, `
		SELECT * FROM projects WHERE api_key_hash = $1 AND deleted_at IS NULL
	`, keyHash)
	return HandleNotFound(&project, err)
}
