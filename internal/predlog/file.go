package predlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/miradorstack/mirador-rollout/internal/models"
	"github.com/miradorstack/mirador-rollout/internal/utils"
)

// FileStore keeps one JSON record per line in an append-only file.
type FileStore struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	sync   bool
	logger *slog.Logger
}

// OpenFileStore opens (creating if needed) the JSON Lines log at path.
func OpenFileStore(path string, syncWrites bool, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return nil, utils.NewAppError("predlog.OpenFileStore", "path is required", nil)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, utils.NewAppError("predlog.OpenFileStore", "create log directory", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, utils.NewAppError("predlog.OpenFileStore", "open log", err)
	}
	dropped, err := truncateTornTail(f)
	if err != nil {
		_ = f.Close()
		return nil, utils.NewAppError("predlog.OpenFileStore", "repair torn tail", err)
	}
	if dropped > 0 {
		logger.Warn("dropped torn trailing record", slog.String("path", path), slog.Int64("bytes", dropped))
	}
	return &FileStore{path: path, file: f, sync: syncWrites, logger: logger}, nil
}

// truncateTornTail cuts an unterminated final line so the next append starts on a fresh
// line. It returns the number of bytes removed.
func truncateTornTail(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := info.Size()
	if size == 0 {
		return 0, nil
	}

	const chunk = 4096
	buf := make([]byte, chunk)
	end := size
	for end > 0 {
		start := end - chunk
		if start < 0 {
			start = 0
		}
		n, err := f.ReadAt(buf[:end-start], start)
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if end == size && n > 0 && buf[n-1] == '\n' {
			return 0, nil
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			keep := start + int64(i) + 1
			return size - keep, f.Truncate(keep)
		}
		end = start
	}
	return size, f.Truncate(0)
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Append writes one record as a single line. Existing lines are never rewritten.
func (s *FileStore) Append(ctx context.Context, rec models.PredictionRecord) (models.PredictionRecord, error) {
	if err := ctx.Err(); err != nil {
		return rec, err
	}
	rec, err := ensureID(rec)
	if err != nil {
		return rec, err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return rec, utils.NewAppError("predlog.Append", "marshal record", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return rec, utils.NewAppError("predlog.Append", "store closed", nil)
	}
	info, err := s.file.Stat()
	if err != nil {
		return rec, utils.NewAppError("predlog.Append", "stat log", err)
	}
	if _, err := s.file.Write(line); err != nil {
		if terr := s.file.Truncate(info.Size()); terr != nil {
			err = errors.Join(err, terr)
		}
		return rec, utils.NewAppError("predlog.Append", "write record", err)
	}
	if s.sync {
		if err := s.file.Sync(); err != nil {
			return rec, utils.NewAppError("predlog.Append", "sync log", err)
		}
	}
	return rec, nil
}

// All reads every record. A malformed final line is treated as a torn write and skipped;
// malformed lines elsewhere are an error.
func (s *FileStore) All(ctx context.Context) ([]models.PredictionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, utils.NewAppError("predlog.All", "open log", err)
	}
	defer f.Close()

	var (
		records []models.PredictionRecord
		badLine int
		badErr  error
		lineNo  int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lineNo++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		if badErr != nil {
			return nil, utils.NewAppError("predlog.All", fmt.Sprintf("corrupt record on line %d", badLine), badErr)
		}
		var rec models.PredictionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			badLine, badErr = lineNo, err
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, utils.NewAppError("predlog.All", "scan log", err)
	}
	if badErr != nil {
		s.logger.Warn("skipping torn trailing record",
			slog.String("path", s.path),
			slog.Int("line", badLine),
			slog.Any("error", badErr))
	}
	return records, nil
}

// Close releases the file handle.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
