package upload

import (
	"errors"
	"sort"
	"time"
)

// Status is the lifecycle state of an upload session. A session is
// initialized by Initialize and reaches completed at most once, when the
// final chunk triggers a successful assembly.
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusCompleted   Status = "completed"
)

var (
	ErrSessionNotFound   = errors.New("upload session not found")
	ErrInvalidChunkIndex = errors.New("chunk index out of range")
	ErrMissingChunk      = errors.New("chunk blob missing at assembly time")
	ErrAssemblyFailed    = errors.New("assembly failed")
)

// Session is the persistent record of one chunked upload.
type Session struct {
	ID             string     `json:"session_id"`
	Filename       string     `json:"filename"`
	MimeType       string     `json:"mime_type,omitempty"`
	TotalSize      int64      `json:"total_size"`
	ChunkSize      int64      `json:"chunk_size"`
	TotalChunks    int        `json:"total_chunks"`
	Received       []int      `json:"uploaded_chunks"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	OutputPath     string     `json:"output_path,omitempty"`
	OutputFilename string     `json:"output_filename,omitempty"`
}

func (s *Session) snapshot() Session {
	cp := *s
	cp.Received = append([]int(nil), s.Received...)
	if s.CompletedAt != nil {
		ts := *s.CompletedAt
		cp.CompletedAt = &ts
	}
	return cp
}

func (s *Session) has(index int) bool {
	for _, i := range s.Received {
		if i == index {
			return true
		}
	}
	return false
}

func (s *Session) addChunk(index int) {
	if s.has(index) {
		return
	}
	s.Received = append(s.Received, index)
	sort.Ints(s.Received)
}

func (s *Session) dropChunk(index int) {
	for i, v := range s.Received {
		if v == index {
			s.Received = append(s.Received[:i], s.Received[i+1:]...)
			return
		}
	}
}

// missing returns [0,TotalChunks) \ Received, sorted ascending. Clients use it
// to resume after a dropped connection.
func (s *Session) missing() []int {
	received := make(map[int]struct{}, len(s.Received))
	for _, i := range s.Received {
		received[i] = struct{}{}
	}
	var out []int
	for i := 0; i < s.TotalChunks; i++ {
		if _, ok := received[i]; !ok {
			out = append(out, i)
		}
	}
	return out
}

// Progress is the client-visible view of a session, returned by PutChunk and
// Progress. The output fields are populated only once the session completed.
type Progress struct {
	SessionID       string `json:"session_id"`
	Status          Status `json:"status"`
	Filename        string `json:"filename,omitempty"`
	TotalSize       int64  `json:"total_size,omitempty"`
	TotalChunks     int    `json:"total_chunks,omitempty"`
	UploadedChunks  int    `json:"uploaded_chunks"`
	ProgressPercent int    `json:"progress_percent"`
	MissingChunks   []int  `json:"missing_chunks,omitempty"`
	OutputFilename  string `json:"output_filename,omitempty"`
	OutputPath      string `json:"path,omitempty"`
	Size            int64  `json:"size,omitempty"`
	MimeType        string `json:"mime_type,omitempty"`
}

func (s *Session) progress() Progress {
	p := Progress{
		SessionID:      s.ID,
		Status:         s.Status,
		Filename:       s.Filename,
		TotalSize:      s.TotalSize,
		TotalChunks:    s.TotalChunks,
		UploadedChunks: len(s.Received),
		MissingChunks:  s.missing(),
	}
	if s.TotalChunks > 0 {
		p.ProgressPercent = len(s.Received) * 100 / s.TotalChunks
	}
	if s.Status == StatusCompleted {
		p.ProgressPercent = 100
		p.OutputFilename = s.OutputFilename
		p.OutputPath = s.OutputPath
		p.Size = s.TotalSize
		p.MimeType = s.MimeType
	}
	return p
}
