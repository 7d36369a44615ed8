package upload

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/inkbound/bindery/internal/artifact"
	"github.com/inkbound/bindery/internal/connectors"
	"github.com/inkbound/bindery/internal/policy"
)

const DefaultChunkSize = 8 * 1024 * 1024

// Manager owns the chunked-upload state machine: it validates and creates
// sessions, accepts chunks, detects completion, triggers assembly and reaps
// stale sessions. All metadata writes go through the SessionStore's
// per-session exclusion region.
type Manager struct {
	store     SessionStore
	chunks    *ChunkStore
	policy    policy.Policy
	outputs   artifact.Dir
	chunkSize int64
	conns     []connectors.Connector
	strict    bool
	logger    zerolog.Logger
}

type ManagerConfig struct {
	Store     SessionStore
	Chunks    *ChunkStore
	Policy    policy.Policy
	Outputs   artifact.Dir
	ChunkSize int64
	// Connectors replicate assembled artifacts to external targets. Strict
	// makes a replication failure abort the assembly.
	Connectors []connectors.Connector
	Strict     bool
	Logger     zerolog.Logger
}

func NewManager(cfg ManagerConfig) *Manager {
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Manager{
		store:     cfg.Store,
		chunks:    cfg.Chunks,
		policy:    cfg.Policy,
		outputs:   cfg.Outputs,
		chunkSize: chunkSize,
		conns:     cfg.Connectors,
		strict:    cfg.Strict,
		logger:    cfg.Logger.With().Str("component", "upload").Logger(),
	}
}

// Initialize validates the declared upload against policy, then persists a
// fresh session record. Policy failures surface before any storage is touched.
func (m *Manager) Initialize(ctx context.Context, filename string, totalSize int64, mimeType string) (*Session, error) {
	if totalSize <= 0 {
		return nil, fmt.Errorf("total size must be positive, got %d", totalSize)
	}
	if err := m.policy.Check(filename, totalSize, mimeType); err != nil {
		return nil, err
	}
	s := &Session{
		ID:          uuid.NewString(),
		Filename:    filename,
		MimeType:    mimeType,
		TotalSize:   totalSize,
		ChunkSize:   m.chunkSize,
		TotalChunks: int(math.Ceil(float64(totalSize) / float64(m.chunkSize))),
		Status:      StatusInitialized,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.store.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	m.logger.Info().
		Str("session_id", s.ID).
		Str("filename", s.Filename).
		Int64("total_size", s.TotalSize).
		Int("total_chunks", s.TotalChunks).
		Msg("upload session initialized")
	snap := s.snapshot()
	return &snap, nil
}

// PutChunk stores one chunk. Resending an already-received index is a no-op
// that still returns current progress, unless the received set is already
// complete while the session is still initialized: that means an earlier
// assembly attempt failed, and the resend re-triggers assembly so a transient
// failure leaves the session recoverable. The chunk body is written outside
// the metadata lock; the count/compare/assemble sequence runs inside it, so
// concurrent completing chunks trigger assembly exactly once.
func (m *Manager) PutChunk(ctx context.Context, sessionID string, index int, body io.Reader) (Progress, error) {
	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return Progress{}, err
	}
	if index < 0 || index >= s.TotalChunks {
		return Progress{}, fmt.Errorf("index %d of %d chunks: %w", index, s.TotalChunks, ErrInvalidChunkIndex)
	}
	if s.Status == StatusCompleted || (s.has(index) && len(s.Received) < s.TotalChunks) {
		return s.progress(), nil
	}

	written, err := m.chunks.Write(sessionID, index, body)
	if err != nil {
		return Progress{}, err
	}

	var assembleErr error
	updated, err := m.store.Mutate(ctx, sessionID, func(s *Session) error {
		if s.Status == StatusCompleted {
			return nil
		}
		if s.has(index) && len(s.Received) < s.TotalChunks {
			return nil
		}
		s.addChunk(index)
		if len(s.Received) == s.TotalChunks {
			// Assembly failure must not roll back bookkeeping: a missing
			// blob is dropped from the received set here so the next
			// progress call reports it as missing again.
			assembleErr = m.assemble(ctx, s)
		}
		return nil
	})
	if err != nil {
		// A cancel may land between the blob write and the metadata update;
		// drop the orphaned blob rather than resurrect the session.
		if err == ErrSessionNotFound {
			_ = m.chunks.Remove(sessionID)
		}
		return Progress{}, err
	}
	m.logger.Debug().
		Str("session_id", sessionID).
		Int("chunk_index", index).
		Int64("bytes", written).
		Msg("chunk stored")
	if assembleErr != nil {
		return updated.progress(), assembleErr
	}
	return updated.progress(), nil
}

// Progress reports the current state of a session, including the missing
// chunk indices clients need to resume.
func (m *Manager) Progress(ctx context.Context, sessionID string) (Progress, error) {
	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return Progress{}, err
	}
	return s.progress(), nil
}

// Cancel deletes the session record and every chunk blob. Cancelling an
// already-gone session is not an error.
func (m *Manager) Cancel(ctx context.Context, sessionID string) error {
	if err := m.chunks.Remove(sessionID); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, sessionID); err != nil && err != ErrSessionNotFound {
		return err
	}
	m.logger.Info().Str("session_id", sessionID).Msg("upload session cancelled")
	return nil
}

// ReapExpired deletes sessions whose createdAt is older than maxAge, except
// completed sessions whose output artifact is still on disk. It only touches
// sessions past the threshold, so it is safe alongside ongoing uploads.
func (m *Manager) ReapExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	sessions, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-maxAge)
	var reaped atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, s := range sessions {
		if !s.CreatedAt.Before(cutoff) {
			continue
		}
		if s.Status == StatusCompleted && s.OutputPath != "" {
			if _, err := os.Stat(s.OutputPath); err == nil {
				continue
			}
		}
		id := s.ID
		g.Go(func() error {
			if err := m.Cancel(gctx, id); err != nil {
				return err
			}
			reaped.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(reaped.Load()), err
	}
	n := int(reaped.Load())
	if n > 0 {
		m.logger.Info().Int("count", n).Msg("reaped expired upload sessions")
	}
	return n, nil
}
