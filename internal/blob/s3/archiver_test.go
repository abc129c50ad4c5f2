package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[path] = b
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

type fakeSubmissions struct{ states []domain.SubmissionState }

func (f *fakeSubmissions) ListBefore(context.Context, time.Time) ([]domain.SubmissionState, error) {
	return append([]domain.SubmissionState(nil), f.states...), nil
}

type fakeAudit struct {
	entries []domain.AuditEntry
	logged  []string
	queries []domain.ListOpts
}

func (f *fakeAudit) Log(_ context.Context, event string, _ map[string]any) error {
	f.logged = append(f.logged, event)
	return nil
}

func (f *fakeAudit) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	f.queries = append(f.queries, opts)
	if opts.Offset >= len(f.entries) {
		return nil, nil
	}
	end := min(opts.Offset+opts.Limit, len(f.entries))
	return f.entries[opts.Offset:end], nil
}

func lines(t *testing.T, b []byte) int {
	t.Helper()
	n := 0
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		require.True(t, json.Valid(sc.Bytes()))
		n++
	}
	return n
}

func TestArchiveSubmissions_OnlyTerminalStates(t *testing.T) {
	blobs := &memBlobs{}
	audit := &fakeAudit{}
	subs := &fakeSubmissions{states: []domain.SubmissionState{
		{BundleID: "b1", Status: domain.SubmissionIncluded},
		{BundleID: "b2", Status: domain.SubmissionSubmitted},
		{BundleID: "b3", Status: domain.SubmissionAbandoned},
	}}
	a := NewArchiver(blobs, blobs, subs, audit)
	cutoff := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	n, err := a.ArchiveSubmissions(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	obj := blobs.objects["archive/submissions/2026-03-04.jsonl"]
	require.NotNil(t, obj)
	assert.Equal(t, 2, lines(t, obj))
	assert.Equal(t, []string{"archive.submissions"}, audit.logged)

	// A second run for the same cutoff is a no-op.
	n, err = a.ArchiveSubmissions(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestArchiveAudit_PagesThroughLog(t *testing.T) {
	audit := &fakeAudit{}
	for i := 0; i < auditPageSize+3; i++ {
		audit.entries = append(audit.entries, domain.AuditEntry{ID: int64(i), Event: "decision"})
	}
	blobs := &memBlobs{}
	cutoff := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)

	n, err := NewArchiver(blobs, nil, &fakeSubmissions{}, audit).ArchiveAudit(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(auditPageSize+3), n)
	assert.Len(t, audit.queries, 2)
	assert.Equal(t, cutoff, *audit.queries[0].Until)
	assert.Equal(t, auditPageSize+3, lines(t, blobs.objects["archive/audit/2026-03-04.jsonl"]))
}

func TestArchive_NothingToUpload(t *testing.T) {
	blobs := &memBlobs{}
	a := NewArchiver(blobs, blobs, &fakeSubmissions{}, &fakeAudit{})

	n, err := a.ArchiveAudit(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, blobs.objects)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("s3.example.com", true))
	assert.Equal(t, "http://s3.example.com", normaliseEndpoint("s3.example.com", false))
	assert.Equal(t, "http://x", normaliseEndpoint("http://x", true))
}

func TestIsNotFound(t *testing.T) {
	bare404 := &awshttp.ResponseError{ResponseError: &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusNotFound}},
		Err:      errors.New("not found"),
	}}
	forbidden := &awshttp.ResponseError{ResponseError: &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusForbidden}},
		Err:      errors.New("forbidden"),
	}}

	assert.True(t, isNotFound(&smithy.GenericAPIError{Code: "NotFound"}))
	assert.True(t, isNotFound(fmt.Errorf("head: %w", &smithy.GenericAPIError{Code: "NoSuchKey"})))
	assert.True(t, isNotFound(bare404))
	assert.False(t, isNotFound(forbidden))
	assert.False(t, isNotFound(&smithy.GenericAPIError{Code: "AccessDenied"}))
	assert.False(t, isNotFound(errors.New("dial tcp: timeout")))
}
