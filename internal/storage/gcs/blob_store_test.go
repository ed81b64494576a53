package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestStore(t *testing.T, handler http.Handler, cfg Config) *BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, cfg)
	require.NoError(t, err)
	return store
}

// TestNewValidatesConfig rejects a missing client or bucket.
func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = New(client, Config{})
	require.Error(t, err)

	store, err := New(client, Config{Bucket: "b", Prefix: "/exports/"})
	require.NoError(t, err)
	require.Equal(t, "exports/runs/r1.json", store.ObjectName("runs/r1.json"))
}

// TestPutObjectUploads sends a multipart upload to the bucket.
func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/ads-bucket/o")
		assert.Equal(t, "exports/runs/r1.json", r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), `{"run_id":"r1"}`)
		assert.Contains(t, string(body), "application/json")
		fmt.Fprintln(w, `{"name":"exports/runs/r1.json","bucket":"ads-bucket"}`)
	})
	store := newTestStore(t, handler, Config{Bucket: "ads-bucket", Prefix: "exports"})

	uri, err := store.PutObject(context.Background(), "runs/r1.json", "application/json",
		strings.NewReader(`{"run_id":"r1"}`))
	require.NoError(t, err)
	require.Equal(t, "gs://ads-bucket/exports/runs/r1.json", uri)
}

// TestPutObjectServerError surfaces upload failures.
func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	store := newTestStore(t, handler, Config{Bucket: "ads-bucket"})

	_, err := store.PutObject(context.Background(), "runs/r1.json", "application/json", strings.NewReader("{}"))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), " ", "", strings.NewReader("{}"))
	require.Error(t, err)
}
