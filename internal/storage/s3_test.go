package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	apperrors "github.com/filevault/filevault/internal/errors"
)

func TestS3_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	accessKey := "minioadmin"
	secretKey := "minioadmin"
	bucket := "filevault-test"

	// Start MinIO container
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image: "minio/minio",
			Env: map[string]string{
				"MINIO_ACCESS_KEY": accessKey,
				"MINIO_SECRET_KEY": secretKey,
			},
			Cmd:          []string{"server", "/data"},
			ExposedPorts: []string{"9000/tcp"},
			WaitingFor:   wait.ForHTTP("/minio/health/ready").WithPort("9000/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	defer container.Terminate(ctx)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	t.Setenv("MINIO_ACCESS_KEY", accessKey)
	t.Setenv("MINIO_SECRET_KEY", secretKey)

	uri := fmt.Sprintf("s3://%s/vault?endpoint=%s:%d&insecure=true", bucket, host, port.Int())
	u, err := url.Parse(uri)
	require.NoError(t, err)

	s, err := NewS3(u)
	require.NoError(t, err)

	// Create bucket
	require.NoError(t, s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}))

	t.Run("PutAndGet", func(t *testing.T) {
		content := []byte("hello s3")
		ref, err := s.Put(ctx, "objects/deadbeefcafe", bytes.NewReader(content), int64(len(content)))
		require.NoError(t, err)
		assert.Equal(t, "objects/deadbeefcafe", ref, "s3 keyspace is flat, no sharding")

		rc, err := s.Get(ctx, ref)
		require.NoError(t, err)
		defer rc.Close()

		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, content, got)
	})

	t.Run("PutUnknownSize", func(t *testing.T) {
		content := []byte("streamed without a size hint")
		// Wrap in a plain io.Reader to hide the size
		ref, err := s.Put(ctx, "objects/nosize", struct{ io.Reader }{bytes.NewReader(content)}, -1)
		require.NoError(t, err)

		rc, err := s.Get(ctx, ref)
		require.NoError(t, err)
		defer rc.Close()

		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, content, got)
	})

	t.Run("ListAndDelete", func(t *testing.T) {
		ref, err := s.Put(ctx, "history/run-1", bytes.NewReader([]byte("{}")), 2)
		require.NoError(t, err)

		refs, err := s.List(ctx, "history/")
		require.NoError(t, err)
		assert.Contains(t, refs, "history/run-1")

		require.NoError(t, s.Delete(ctx, ref))

		_, err = s.Get(ctx, ref)
		require.Error(t, err)
		assert.True(t, apperrors.IsType(err, apperrors.TypeResource))
	})

	t.Run("ConcurrentPuts", func(t *testing.T) {
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 4; i++ {
					key := fmt.Sprintf("objects/worker%d-%d", w, i)
					content := []byte(key)
					_, err := s.Put(ctx, key, bytes.NewReader(content), int64(len(content)))
					assert.NoError(t, err)
				}
			}(w)
		}
		wg.Wait()

		for w := 0; w < 4; w++ {
			for i := 0; i < 4; i++ {
				key := fmt.Sprintf("objects/worker%d-%d", w, i)
				rc, err := s.Get(ctx, key)
				require.NoError(t, err)
				got, err := io.ReadAll(rc)
				rc.Close()
				require.NoError(t, err)
				assert.Equal(t, []byte(key), got)
			}
		}
	})
}
