package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 serves path style object requests for a single bucket.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string
	puts    int
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2" {
		f.list(w, r.URL.Query().Get("prefix"))
		return
	}

	key := strings.TrimPrefix(r.URL.Path, "/archive/")
	switch r.Method {
	case http.MethodPut:
		_, _ = io.Copy(io.Discard, r.Body)
		f.puts++
		f.objects[key] = "stored"
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		_, _ = io.WriteString(w, body)
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeS3) list(w http.ResponseWriter, prefix string) {
	keys := make([]string, 0, len(f.objects))
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult><Name>archive</Name>`)
	fmt.Fprintf(&b, "<Prefix>%s</Prefix><KeyCount>%d</KeyCount><IsTruncated>false</IsTruncated>", prefix, len(keys))
	for _, key := range keys {
		fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>6</Size></Contents>", key)
	}
	b.WriteString("</ListBucketResult>")

	w.Header().Set("Content-Type", "application/xml")
	_, _ = io.WriteString(w, b.String())
}

func newFakeS3Storage(t *testing.T, fake *fakeS3) *S3Storage {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(dir, "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(dir, "credentials"))

	s, err := NewS3Storage(context.Background(), "archive", S3Config{
		Region:       "us-east-1",
		Endpoint:     srv.URL,
		UsePathStyle: true,
		Prefix:       "beacon/",
	})
	require.NoError(t, err)
	return s
}

func TestS3Storage_PutGetDelete(t *testing.T) {
	fake := &fakeS3{objects: make(map[string]string)}
	s := newFakeS3Storage(t, fake)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "deadletter/a.json", []byte(`{"id":"a"}`)))
	assert.Equal(t, 1, fake.puts)
	assert.Contains(t, fake.objects, "beacon/deadletter/a.json")

	data, err := s.Get(ctx, "deadletter/a.json")
	require.NoError(t, err)
	assert.Equal(t, "stored", string(data))

	require.NoError(t, s.Delete(ctx, "deadletter/a.json"))
	assert.NotContains(t, fake.objects, "beacon/deadletter/a.json")
}

func TestS3Storage_List(t *testing.T) {
	fake := &fakeS3{objects: map[string]string{
		"beacon/deadletter/2024/01/02/b.json": "stored",
		"beacon/deadletter/2024/01/01/a.json": "stored",
		"beacon/other/c.json":                 "stored",
		"elsewhere/deadletter/d.json":         "stored",
	}}
	s := newFakeS3Storage(t, fake)

	keys, err := s.List(context.Background(), "deadletter")
	require.NoError(t, err)
	assert.Equal(t, []string{"deadletter/2024/01/01/a.json", "deadletter/2024/01/02/b.json"}, keys)
}

func TestS3Storage_GetMissing(t *testing.T) {
	s := newFakeS3Storage(t, &fakeS3{objects: make(map[string]string)})

	_, err := s.Get(context.Background(), "missing.json")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}
