package dataset

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/miradorstack/mirador-rollout/internal/config"
)

// ErrNotFound is returned when the dataset root does not exist.
var ErrNotFound = errors.New("test directory not found")

// Sample is one labeled image.
type Sample struct {
	Path  string
	Label string
}

// Loader enumerates <root>/<class>/*<ext> images and caches their bytes.
type Loader struct {
	root       string
	classes    []string
	extensions []string
	cache      *lru.Cache[string, []byte]
	logger     *slog.Logger
}

// NewLoader constructs a loader. cacheSize <= 0 disables the byte cache.
func NewLoader(cfg config.DatasetConfig, cacheSize int, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{
		root:       cfg.TestDir,
		classes:    append([]string(nil), cfg.Classes...),
		extensions: cfg.Extensions,
		logger:     logger,
	}
	if len(l.extensions) == 0 {
		l.extensions = []string{".jpg"}
	}
	if cacheSize > 0 {
		cache, err := lru.New[string, []byte](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("create image cache: %w", err)
		}
		l.cache = cache
	}
	return l, nil
}

// Root returns the configured dataset root.
func (l *Loader) Root() string {
	return l.root
}

// Classes returns the fixed label set.
func (l *Loader) Classes() []string {
	return append([]string(nil), l.classes...)
}

// Scan lists up to perClass images per class under dir (the configured root when empty),
// class by class in configured order and file name order within a class. perClass <= 0
// means no limit. Missing class directories are skipped.
func (l *Loader) Scan(dir string, perClass int) ([]Sample, error) {
	if dir == "" {
		dir = l.root
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, dir)
		}
		return nil, fmt.Errorf("stat test directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrNotFound, dir)
	}

	var samples []Sample
	for _, class := range l.classes {
		classDir := filepath.Join(dir, class)
		entries, err := os.ReadDir(classDir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				l.logger.Warn("class directory missing", slog.String("dir", classDir))
				continue
			}
			return nil, fmt.Errorf("read class directory %s: %w", classDir, err)
		}

		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			if entry.IsDir() || !l.matches(entry.Name()) {
				continue
			}
			names = append(names, entry.Name())
		}
		sort.Strings(names)
		if perClass > 0 && len(names) > perClass {
			names = names[:perClass]
		}
		for _, name := range names {
			samples = append(samples, Sample{Path: filepath.Join(classDir, name), Label: class})
		}
	}
	return samples, nil
}

// Read returns the image bytes, served from the cache when possible.
func (l *Loader) Read(path string) ([]byte, error) {
	if l.cache != nil {
		if data, ok := l.cache.Get(path); ok {
			return data, nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image %s: %w", path, err)
	}
	if l.cache != nil {
		l.cache.Add(path, data)
	}
	return data, nil
}

func (l *Loader) matches(name string) bool {
	ext := filepath.Ext(name)
	for _, want := range l.extensions {
		if strings.EqualFold(ext, want) {
			return true
		}
	}
	return false
}
