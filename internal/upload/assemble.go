package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/inkbound/bindery/internal/artifact"
	"github.com/inkbound/bindery/internal/connectors"
)

// assemble concatenates the session's chunk blobs strictly in index order
// into one output artifact. It runs inside the caller's per-session exclusion
// region. On success it marks the session completed and deletes the chunk
// blobs; on any failure the partial output is removed and the session stays
// initialized so the client can retry. A missing blob is additionally dropped
// from the received set so progress reports it as missing again.
func (m *Manager) assemble(ctx context.Context, s *Session) error {
	name := artifact.SafeName(s.Filename)
	outPath, err := m.outputs.Path(name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAssemblyFailed, err)
	}
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open output: %v", ErrAssemblyFailed, err)
	}

	var written int64
	for i := 0; i < s.TotalChunks; i++ {
		rc, err := m.chunks.Open(s.ID, i)
		if err != nil {
			m.discard(out, outPath)
			if errors.Is(err, ErrMissingChunk) {
				s.dropChunk(i)
				m.logger.Warn().
					Str("session_id", s.ID).
					Int("chunk_index", i).
					Msg("chunk blob vanished before assembly; marked missing")
				return err
			}
			return fmt.Errorf("%w: %v", ErrAssemblyFailed, err)
		}
		n, err := io.Copy(out, rc)
		_ = rc.Close()
		if err != nil {
			m.discard(out, outPath)
			return fmt.Errorf("%w: append chunk %d: %v", ErrAssemblyFailed, i, err)
		}
		written += n
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(outPath)
		return fmt.Errorf("%w: close output: %v", ErrAssemblyFailed, err)
	}
	if written != s.TotalSize {
		m.logger.Warn().
			Str("session_id", s.ID).
			Int64("declared", s.TotalSize).
			Int64("assembled", written).
			Msg("assembled size differs from declared size")
	}

	if len(m.conns) > 0 {
		data, err := os.ReadFile(outPath)
		if err != nil {
			_ = os.Remove(outPath)
			return fmt.Errorf("%w: read artifact for replication: %v", ErrAssemblyFailed, err)
		}
		if err := connectors.Replicate(ctx, m.conns, m.strict, m.logger, s.ID, name, data); err != nil {
			_ = os.Remove(outPath)
			return fmt.Errorf("%w: %v", ErrAssemblyFailed, err)
		}
	}

	now := time.Now().UTC()
	s.Status = StatusCompleted
	s.CompletedAt = &now
	s.OutputPath = outPath
	s.OutputFilename = name
	if err := m.chunks.Remove(s.ID); err != nil {
		m.logger.Warn().Err(err).Str("session_id", s.ID).Msg("failed to delete chunk blobs after assembly")
	}
	m.logger.Info().
		Str("session_id", s.ID).
		Str("artifact", name).
		Int64("bytes", written).
		Msg("upload assembled")
	return nil
}

func (m *Manager) discard(out *os.File, path string) {
	_ = out.Close()
	_ = os.Remove(path)
}
