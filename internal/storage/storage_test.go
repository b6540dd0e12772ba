package storage

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rejourney/ingest-server-go/internal/model"
)

func TestObjectKey(t *testing.T) {
	t.Run("builds deterministic path", func(t *testing.T) {
		key := ObjectKey("team-1", "proj-1", "sess-1", model.ArtifactKindEvents, BatchFilename(3))
		assert.Equal(t, "team-1/proj-1/sess-1/events/batch_3.json.gz", key)
	})

	t.Run("segment filenames carry start time", func(t *testing.T) {
		assert.Equal(t, "segment_1700000000000.tar.gz", SegmentFilename(model.ArtifactKindScreenshots, 1700000000000))
		assert.Equal(t, "hierarchy_42.json.gz", SegmentFilename(model.ArtifactKindHierarchy, 42))
	})

	t.Run("path separators in ids cannot escape the prefix", func(t *testing.T) {
		key := ObjectKey("team-1", "proj-1", "../../etc", model.ArtifactKindEvents, "a/b")
		assert.Equal(t, "team-1/proj-1/____etc/events/a_b", key)
	})
}

func TestGateway_PresignPut(t *testing.T) {
	gw, err := NewGateway(Options{
		Endpoint:  "localhost:9000",
		Region:    "us-east-1",
		Bucket:    "recordings",
		AccessKey: "access",
		SecretKey: "secret",
		TTL:       time.Hour,
	})
	require.NoError(t, err)

	raw, err := gw.PresignPut(context.Background(), "team-1/proj-1/sess-1/events/batch_1.json.gz")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "http", u.Scheme)
	assert.Equal(t, "/recordings/team-1/proj-1/sess-1/events/batch_1.json.gz", u.Path)
	assert.Equal(t, "3600", u.Query().Get("X-Amz-Expires"))
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))
}
