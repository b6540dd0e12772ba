package storage

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/rejourney/ingest-server-go/internal/model"
)

// Presigner issues time-limited upload URLs for object keys.
type Presigner interface {
	PresignPut(ctx context.Context, key string) (string, error)
}

type Options struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	TTL       time.Duration
}

// Gateway presigns PUT requests against an S3-compatible bucket.
type Gateway struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
}

func NewGateway(opts Options) (*Gateway, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		// A fixed region keeps presigning offline; minio otherwise looks up the bucket location.
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &Gateway{client: client, bucket: opts.Bucket, ttl: opts.TTL}, nil
}

func (g *Gateway) PresignPut(ctx context.Context, key string) (string, error) {
	u, err := g.client.PresignedPutObject(ctx, g.bucket, key, g.ttl)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}

// ObjectKey builds the deterministic path {team}/{project}/{session}/{kind}/{filename}.
func ObjectKey(teamID, projectID, sessionID string, kind model.ArtifactKind, filename string) string {
	return path.Join(clean(teamID), clean(projectID), clean(sessionID), string(kind), clean(filename))
}

// BatchFilename names the object for a numbered batch upload.
func BatchFilename(batchNumber int) string {
	return fmt.Sprintf("batch_%d.json.gz", batchNumber)
}

// SegmentFilename names the object for a segment starting at startTime (epoch ms).
func SegmentFilename(kind model.ArtifactKind, startTime int64) string {
	if kind == model.ArtifactKindScreenshots {
		return fmt.Sprintf("segment_%d.tar.gz", startTime)
	}
	return fmt.Sprintf("%s_%d.json.gz", kind, startTime)
}

func clean(part string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(part)
}
