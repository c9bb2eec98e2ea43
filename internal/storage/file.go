package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"shutdownd/pkg/logx"
)

// fileStore is the dependency-free persistence backend.
//
// Files:
//   - <prefix>.state.json  (full job set, rewritten atomically on every mutation)
//   - <prefix>.audit.log   (append-only "[ts] event" lines)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	statePath string
	auditFile *os.File
}

// jobFileRecord is the on-disk shape of one job.
type jobFileRecord struct {
	Target     string `json:"target_datetime"` // TimeLayout
	Force      bool   `json:"force"`
	Recurrence string `json:"recurrence"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.log", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:       log,
		statePath: prefix + ".state.json",
		auditFile: af,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

// SaveJobs rewrites the state file via write-then-rename so a crash mid-write
// never leaves a truncated job set behind.
func (s *fileStore) SaveJobs(ctx context.Context, jobs map[string]JobRecord) error {
	_ = ctx
	out := make(map[string]jobFileRecord, len(jobs))
	for id, j := range jobs {
		out[id] = jobFileRecord{
			Target:     j.Target.Format(TimeLayout),
			Force:      j.Force,
			Recurrence: j.Recurrence,
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.statePath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.statePath)
}

// LoadJobs reads the state file. Missing, unreadable, or malformed state yields
// an empty set: storage corruption must not keep the user from scheduling a
// fresh shutdown.
func (s *fileStore) LoadJobs(ctx context.Context) (map[string]JobRecord, error) {
	_ = ctx
	s.mu.Lock()
	path := s.statePath
	s.mu.Unlock()

	jobs := map[string]JobRecord{}
	b, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("state file unreadable, starting empty", logx.String("path", path), logx.Err(err))
		}
		return jobs, nil
	}

	var raw map[string]jobFileRecord
	if err := json.Unmarshal(b, &raw); err != nil {
		s.log.Warn("state file malformed, starting empty", logx.String("path", path), logx.Err(err))
		return jobs, nil
	}
	for id, r := range raw {
		at, err := time.ParseInLocation(TimeLayout, r.Target, time.Local)
		if err != nil {
			s.log.Warn("dropping job with malformed target time", logx.String("id", id), logx.String("target", r.Target))
			continue
		}
		jobs[id] = JobRecord{Target: at, Force: r.Force, Recurrence: r.Recurrence}
	}
	return jobs, nil
}

func (s *fileStore) AppendAudit(ctx context.Context, event string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	line := "[" + time.Now().Format(AuditTimeLayout) + "] " + event + "\n"
	_, err := s.auditFile.WriteString(line)
	return err
}
