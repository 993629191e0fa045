package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inverstra/predictiondao/internal/domain"
	"github.com/inverstra/predictiondao/internal/store/memory"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: make(map[string][]byte)} }

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	m.puts++
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for k, v := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, domain.BlobInfo{Path: k, Size: int64(len(v))})
		}
	}
	return out, nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

func seed(t *testing.T, store *memory.Store, created time.Time, days int) domain.Prediction {
	t.Helper()
	p, err := domain.NewPrediction(domain.NewPredictionInput{
		Creator: "0xabc", Title: "t", Description: "d", Category: "c", VotingPeriodDays: days,
	}, created)
	require.NoError(t, err)
	saved, err := store.Create(context.Background(), p, nil)
	require.NoError(t, err)
	return saved
}

func readLines(t *testing.T, b []byte) []archivedPrediction {
	t.Helper()
	var out []archivedPrediction
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		var rec archivedPrediction
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestArchivePredictions(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	blobs := newMemBlobs()
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	expired := seed(t, store, now.AddDate(0, -6, 0), 3)
	open := seed(t, store, now, 3)

	approved := seed(t, store, now, 3)
	_, err := approved.ApplyVote("voter", true, now)
	require.NoError(t, err)
	_, err = store.SaveVote(ctx, approved, nil)
	require.NoError(t, err)

	a := NewPredictionArchiver(blobs, store, store)
	a.now = func() time.Time { return now }

	n, err := a.ArchivePredictions(ctx, now.AddDate(0, 0, -90))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	lines := readLines(t, blobs.objects["archive/predictions/2026-03.jsonl"])
	require.Len(t, lines, 2)
	assert.Equal(t, expired.ID, lines[0].ID)
	assert.Equal(t, approved.ID, lines[1].ID)
	require.Len(t, lines[1].Votes, 1)
	assert.Equal(t, "voter", lines[1].Votes[0].Voter)
	assert.NotEqual(t, open.ID, lines[1].ID)

	// Rows stay and are not archived twice.
	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	n, err = a.ArchivePredictions(ctx, now.AddDate(0, 0, -90))
	require.NoError(t, err)
	assert.Zero(t, n)

	entries, err := store.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "archive.predictions", entries[0].Event)
}

func TestArchiveAppendsWithinMonth(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	blobs := newMemBlobs()
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	a := NewPredictionArchiver(blobs, store, nil)
	a.now = func() time.Time { return now }
	a.batchSize = 1

	seed(t, store, now.AddDate(-1, 0, 0), 1)
	seed(t, store, now.AddDate(-1, 0, 0), 2)

	n, err := a.ArchivePredictions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 2, blobs.puts)

	seed(t, store, now.AddDate(-1, 0, 0), 3)
	n, err = a.ArchivePredictions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	lines := readLines(t, blobs.objects[archivePath(now)])
	assert.Len(t, lines, 3)
}

func TestWithScheme(t *testing.T) {
	assert.Equal(t, "https://s3.example.com", withScheme("s3.example.com", true))
	assert.Equal(t, "http://minio:9000", withScheme("minio:9000", false))
	assert.Equal(t, "http://localhost:9000", withScheme("http://localhost:9000", true))
}
