package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/rejourney/ingest-server-go/internal/config"
	"github.com/rejourney/ingest-server-go/internal/model"
	redisclient "github.com/rejourney/ingest-server-go/internal/redis"
	"github.com/rejourney/ingest-server-go/internal/repository"
	"github.com/rejourney/ingest-server-go/internal/util"
)

// ProjectResolver finds the project an API key belongs to. Lookups are
// cached in Redis for a short TTL; cache failures fall through to Postgres.
type ProjectResolver struct {
	projects repository.ProjectRepository
	client   *redis.Client
	ttl      time.Duration
}

func NewProjectResolver(projects repository.ProjectRepository, client *redis.Client, ttl time.Duration) *ProjectResolver {
	return &ProjectResolver{projects: projects, client: client, ttl: ttl}
}

// Resolve returns nil when the key is unknown or the project was deleted.
func (r *ProjectResolver) Resolve(ctx context.Context, apiKey string) (*model.Project, error) {
	hash := util.HashToken(apiKey)
	cacheKey := redisclient.ProjectCacheKey(hash)

	if project := r.fromCache(ctx, cacheKey); project != nil {
		return project, nil
	}

	project, err := r.projects.FindByAPIKeyHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if project == nil || project.DeletedAt != nil {
		return nil, nil
	}

	r.store(ctx, cacheKey, project)
	return project, nil
}

// Invalidate drops the cached project for apiKey.
func (r *ProjectResolver) Invalidate(ctx context.Context, apiKey string) {
	if r.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, config.CacheOpTimeout)
	defer cancel()
	if err := r.client.Del(ctx, redisclient.ProjectCacheKey(util.HashToken(apiKey))).Err(); err != nil {
		log.Warn().Err(err).Msg("failed to invalidate project cache")
	}
}

func (r *ProjectResolver) fromCache(ctx context.Context, key string) *model.Project {
	if r.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, config.CacheOpTimeout)
	defer cancel()

	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Msg("project cache read failed")
		}
		return nil
	}

	var project model.Project
	if err := json.Unmarshal(raw, &project); err != nil {
		return nil
	}
	return &project
}

func (r *ProjectResolver) store(ctx context.Context, key string, project *model.Project) {
	if r.client == nil {
		return
	}
	data, err := json.Marshal(project)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, config.CacheOpTimeout)
	defer cancel()
	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		log.Warn().Err(err).Msg("project cache write failed")
	}
}
