//go:build integration

package s3_test

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	images3 "github.com/marmos91/pwlog/pkg/image/s3"
)

// localstackHelper manages the Localstack container for S3 integration
// tests.
type localstackHelper struct {
	container testcontainers.Container
	endpoint  string
	client    *s3.Client
}

// newLocalstackHelper starts a Localstack container or connects to an
// existing one via LOCALSTACK_ENDPOINT.
func newLocalstackHelper(t *testing.T) *localstackHelper {
	t.Helper()
	ctx := context.Background()

	if endpoint := os.Getenv("LOCALSTACK_ENDPOINT"); endpoint != "" {
		helper := &localstackHelper{endpoint: endpoint}
		helper.createClient(t)
		return helper
	}

	req := testcontainers.ContainerRequest{
		Image:        "localstack/localstack:3.0",
		ExposedPorts: []string{"4566/tcp"},
		Env: map[string]string{
			"SERVICES":              "s3",
			"DEFAULT_REGION":        "us-east-1",
			"EAGER_SERVICE_LOADING": "1",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("4566/tcp"),
			wait.ForHTTP("/_localstack/health").
				WithPort("4566/tcp").
				WithStartupTimeout(60*time.Second),
		),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start localstack container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4566")
	require.NoError(t, err)

	helper := &localstackHelper{
		container: container,
		endpoint:  fmt.Sprintf("http://%s:%s", host, port.Port()),
	}
	helper.createClient(t)
	return helper
}

func (h *localstackHelper) createClient(t *testing.T) {
	t.Helper()

	client, err := images3.NewClientFromConfig(context.Background(),
		h.endpoint, "us-east-1", "test", "test", true)
	require.NoError(t, err)
	h.client = client
}

func (h *localstackHelper) createBucket(t *testing.T, name string) {
	t.Helper()

	_, err := h.client.CreateBucket(context.Background(), &s3.CreateBucketInput{
		Bucket: aws.String(name),
	})
	require.NoError(t, err)
}

func TestS3ImageRoundTrip(t *testing.T) {
	helper := newLocalstackHelper(t)
	helper.createBucket(t, "pwlog-it")
	ctx := context.Background()

	im, err := images3.New(images3.Config{
		Client:    helper.client,
		Bucket:    "pwlog-it",
		KeyPrefix: "images/test/",
		Size:      32 * 1024 * 1024,
		ChunkSize: 4 * 1024 * 1024,
	})
	require.NoError(t, err)
	require.NoError(t, im.Init(ctx))
	defer im.ShutDown(ctx)

	// Cross-chunk write.
	data := bytes.Repeat([]byte{0x5A}, 6*1024*1024)
	require.NoError(t, im.Write(ctx, 2*1024*1024, data))

	got := make([]byte, len(data))
	require.NoError(t, im.Read(ctx, 2*1024*1024, got))
	assert.Equal(t, data, got)

	// Unwritten ranges read as zeroes.
	head := make([]byte, 1024)
	require.NoError(t, im.Read(ctx, 0, head))
	for _, b := range head {
		require.Zero(t, b)
	}
}

func TestS3ImageDiscard(t *testing.T) {
	helper := newLocalstackHelper(t)
	helper.createBucket(t, "pwlog-it-discard")
	ctx := context.Background()

	im, err := images3.New(images3.Config{
		Client:    helper.client,
		Bucket:    "pwlog-it-discard",
		Size:      16 * 1024 * 1024,
		ChunkSize: 4 * 1024 * 1024,
	})
	require.NoError(t, err)
	require.NoError(t, im.Init(ctx))
	defer im.ShutDown(ctx)

	data := bytes.Repeat([]byte{0xEE}, 8*1024*1024)
	require.NoError(t, im.Write(ctx, 0, data))

	// Discard the first chunk entirely.
	require.NoError(t, im.Discard(ctx, 0, 4*1024*1024, false))

	got := make([]byte, 8*1024*1024)
	require.NoError(t, im.Read(ctx, 0, got))
	for i := 0; i < 4*1024*1024; i++ {
		if got[i] != 0 {
			t.Fatalf("offset %d not discarded", i)
		}
	}
	assert.Equal(t, data[4*1024*1024:], got[4*1024*1024:])
}
