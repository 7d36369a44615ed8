package upload

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkbound/bindery/internal/artifact"
	"github.com/inkbound/bindery/internal/connectors"
	"github.com/inkbound/bindery/internal/policy"
)

// flakyConnector fails its first N stores, then succeeds.
type flakyConnector struct {
	mu       sync.Mutex
	failures int
	stored   int
}

func (f *flakyConnector) Name() string { return "flaky" }

func (f *flakyConnector) StoreArtifact(context.Context, string, string, []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("replication target unavailable")
	}
	f.stored++
	return nil
}

func newTestManager(t *testing.T, chunkSize int64) (*Manager, string) {
	t.Helper()
	dataDir := t.TempDir()
	store, err := NewFSStore(dataDir)
	require.NoError(t, err)
	chunks, err := NewChunkStore(dataDir)
	require.NoError(t, err)
	outputs, err := artifact.NewDir(dataDir + "/outputs")
	require.NoError(t, err)
	m := NewManager(ManagerConfig{
		Store:     store,
		Chunks:    chunks,
		Policy:    policy.Policy{},
		Outputs:   outputs,
		ChunkSize: chunkSize,
		Logger:    zerolog.Nop(),
	})
	return m, dataDir
}

func TestInitializeComputesChunkCount(t *testing.T) {
	m, _ := newTestManager(t, 1024)
	ctx := context.Background()

	s, err := m.Initialize(ctx, "book.epub", 5000, "application/epub+zip")
	require.NoError(t, err)
	assert.Equal(t, 5, s.TotalChunks)
	assert.Equal(t, StatusInitialized, s.Status)
	assert.NotEmpty(t, s.ID)

	// Exact multiple needs no trailing partial chunk.
	s, err = m.Initialize(ctx, "book.epub", 4096, "")
	require.NoError(t, err)
	assert.Equal(t, 4, s.TotalChunks)
}

func TestInitializeRejectsPolicyViolation(t *testing.T) {
	m, _ := newTestManager(t, 1024)
	m.policy = policy.Policy{MaxFileSize: 100}

	_, err := m.Initialize(context.Background(), "big.bin", 101, "")
	require.Error(t, err)
	var v *policy.Violation
	assert.True(t, errors.As(err, &v))
}

func TestPutChunkOutOfOrderAssemblesInIndexOrder(t *testing.T) {
	m, _ := newTestManager(t, 4)
	ctx := context.Background()

	payload := "aaaabbbbccccddddee"
	s, err := m.Initialize(ctx, "letters.txt", int64(len(payload)), "text/plain")
	require.NoError(t, err)
	require.Equal(t, 5, s.TotalChunks)

	chunkAt := func(i int) string {
		end := (i + 1) * 4
		if end > len(payload) {
			end = len(payload)
		}
		return payload[i*4 : end]
	}

	var last Progress
	for _, i := range []int{2, 0, 4, 1, 3} {
		last, err = m.PutChunk(ctx, s.ID, i, strings.NewReader(chunkAt(i)))
		require.NoError(t, err)
	}

	assert.Equal(t, StatusCompleted, last.Status)
	assert.Equal(t, 100, last.ProgressPercent)
	require.NotEmpty(t, last.OutputPath)

	data, err := os.ReadFile(last.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
}

func TestPutChunkDuplicateIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t, 4)
	ctx := context.Background()

	s, err := m.Initialize(ctx, "x.bin", 12, "")
	require.NoError(t, err)

	p1, err := m.PutChunk(ctx, s.ID, 0, strings.NewReader("good"))
	require.NoError(t, err)
	assert.Equal(t, 1, p1.UploadedChunks)

	// Resending the same index with different bytes changes nothing.
	p2, err := m.PutChunk(ctx, s.ID, 0, strings.NewReader("evil"))
	require.NoError(t, err)
	assert.Equal(t, 1, p2.UploadedChunks)
	assert.Equal(t, p1.UploadedChunks, p2.UploadedChunks)

	rc, err := m.chunks.Open(s.ID, 0)
	require.NoError(t, err)
	defer rc.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(rc)
	require.NoError(t, err)
	assert.Equal(t, "good", buf.String())
}

func TestPutChunkRejectsOutOfRangeIndex(t *testing.T) {
	m, _ := newTestManager(t, 4)
	ctx := context.Background()

	s, err := m.Initialize(ctx, "x.bin", 8, "")
	require.NoError(t, err)

	_, err = m.PutChunk(ctx, s.ID, -1, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrInvalidChunkIndex)

	_, err = m.PutChunk(ctx, s.ID, 2, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrInvalidChunkIndex)
}

func TestProgressReportsMissingChunks(t *testing.T) {
	m, _ := newTestManager(t, 4)
	ctx := context.Background()

	s, err := m.Initialize(ctx, "x.bin", 20, "")
	require.NoError(t, err)

	_, err = m.PutChunk(ctx, s.ID, 1, strings.NewReader("bbbb"))
	require.NoError(t, err)
	_, err = m.PutChunk(ctx, s.ID, 3, strings.NewReader("dddd"))
	require.NoError(t, err)

	p, err := m.Progress(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInitialized, p.Status)
	assert.Equal(t, 2, p.UploadedChunks)
	assert.Equal(t, 40, p.ProgressPercent)
	assert.Equal(t, []int{0, 2, 4}, p.MissingChunks)
}

func TestProgressUnknownSession(t *testing.T) {
	m, _ := newTestManager(t, 4)
	_, err := m.Progress(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestConcurrentFinalChunksAssembleOnce(t *testing.T) {
	m, _ := newTestManager(t, 4)
	ctx := context.Background()

	s, err := m.Initialize(ctx, "x.bin", 16, "")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = m.PutChunk(ctx, s.ID, i, strings.NewReader("0123"))
		require.NoError(t, err)
	}

	// Race the final chunk from many goroutines. Exactly one assembly must
	// run; the artifact is created with O_EXCL so a second one would fail.
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			_, errs[g] = m.PutChunk(ctx, s.ID, 3, strings.NewReader("4567"))
		}(g)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}

	p, err := m.Progress(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, p.Status)
}

func TestAssemblyMissingBlobFoldsBackIntoMissingSet(t *testing.T) {
	m, _ := newTestManager(t, 4)
	ctx := context.Background()

	s, err := m.Initialize(ctx, "x.bin", 12, "")
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = m.PutChunk(ctx, s.ID, i, strings.NewReader("0123"))
		require.NoError(t, err)
	}

	// Remove a blob behind the manager's back before the final chunk lands.
	require.NoError(t, os.Remove(m.chunks.chunkPath(s.ID, 1)))

	_, err = m.PutChunk(ctx, s.ID, 2, strings.NewReader("89ab"))
	assert.ErrorIs(t, err, ErrMissingChunk)

	p, err := m.Progress(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInitialized, p.Status)
	assert.Equal(t, []int{1}, p.MissingChunks)

	// Resending the dropped chunk completes the upload.
	last, err := m.PutChunk(ctx, s.ID, 1, strings.NewReader("4567"))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, last.Status)

	data, err := os.ReadFile(last.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, "0123456789ab", string(data))
}

func TestTransientAssemblyFailureIsRetriable(t *testing.T) {
	m, _ := newTestManager(t, 4)
	flaky := &flakyConnector{failures: 1}
	m.conns = []connectors.Connector{flaky}
	m.strict = true
	ctx := context.Background()

	s, err := m.Initialize(ctx, "x.bin", 8, "")
	require.NoError(t, err)
	_, err = m.PutChunk(ctx, s.ID, 0, strings.NewReader("0123"))
	require.NoError(t, err)

	// The completing chunk fails in strict mode while replication is down.
	_, err = m.PutChunk(ctx, s.ID, 1, strings.NewReader("4567"))
	require.ErrorIs(t, err, ErrAssemblyFailed)

	p, err := m.Progress(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInitialized, p.Status)
	assert.Equal(t, 2, p.UploadedChunks)
	assert.Empty(t, p.MissingChunks)

	// Resending the completing chunk on a full set re-triggers assembly.
	last, err := m.PutChunk(ctx, s.ID, 1, strings.NewReader("4567"))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, last.Status)
	assert.Equal(t, 1, flaky.stored)

	data, err := os.ReadFile(last.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, "01234567", string(data))
}

func TestCompletedSessionDeletesChunkBlobs(t *testing.T) {
	m, _ := newTestManager(t, 4)
	ctx := context.Background()

	s, err := m.Initialize(ctx, "x.bin", 8, "")
	require.NoError(t, err)
	_, err = m.PutChunk(ctx, s.ID, 0, strings.NewReader("0123"))
	require.NoError(t, err)
	last, err := m.PutChunk(ctx, s.ID, 1, strings.NewReader("4567"))
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, last.Status)

	_, err = m.chunks.Open(s.ID, 0)
	assert.ErrorIs(t, err, ErrMissingChunk)

	// A duplicate after completion is still a cheap no-op.
	again, err := m.PutChunk(ctx, s.ID, 0, strings.NewReader("0123"))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, again.Status)
}

func TestCancelIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t, 4)
	ctx := context.Background()

	s, err := m.Initialize(ctx, "x.bin", 8, "")
	require.NoError(t, err)
	_, err = m.PutChunk(ctx, s.ID, 0, strings.NewReader("0123"))
	require.NoError(t, err)

	require.NoError(t, m.Cancel(ctx, s.ID))
	require.NoError(t, m.Cancel(ctx, s.ID))

	_, err = m.Progress(ctx, s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestReapExpiredSkipsFreshAndLiveOutputs(t *testing.T) {
	m, _ := newTestManager(t, 4)
	ctx := context.Background()

	stale, err := m.Initialize(ctx, "stale.bin", 8, "")
	require.NoError(t, err)
	fresh, err := m.Initialize(ctx, "fresh.bin", 8, "")
	require.NoError(t, err)

	// Backdate the stale session past the TTL.
	_, err = m.store.Mutate(ctx, stale.ID, func(s *Session) error {
		s.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
		return nil
	})
	require.NoError(t, err)

	n, err := m.ReapExpired(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = m.Progress(ctx, stale.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.Progress(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestReapExpiredKeepsCompletedWithLiveArtifact(t *testing.T) {
	m, _ := newTestManager(t, 4)
	ctx := context.Background()

	s, err := m.Initialize(ctx, "done.bin", 4, "")
	require.NoError(t, err)
	last, err := m.PutChunk(ctx, s.ID, 0, strings.NewReader("0123"))
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, last.Status)

	_, err = m.store.Mutate(ctx, s.ID, func(s *Session) error {
		s.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
		return nil
	})
	require.NoError(t, err)

	n, err := m.ReapExpired(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Once the artifact is gone the completed session is fair game.
	require.NoError(t, os.Remove(last.OutputPath))
	n, err = m.ReapExpired(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
