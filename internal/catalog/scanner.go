package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/alucardeht/mcp-spawner/internal/pathguard"
)

// Scanner lists the scripts directly under a root. It never writes there.
type Scanner struct {
	fsys           fs.FS
	validator      *pathguard.Validator
	pattern        string
	ignorePatterns []string
}

func NewScanner(validator *pathguard.Validator, ignorePatterns []string) *Scanner {
	return &Scanner{
		fsys:           os.DirFS(validator.Root()),
		validator:      validator,
		pattern:        validator.Pattern(),
		ignorePatterns: ignorePatterns,
	}
}

// Ignored reports whether name is excluded from the catalog.
func (s *Scanner) Ignored(name string) bool {
	if !s.validator.IsValidName(name) {
		return true
	}
	for _, pattern := range s.ignorePatterns {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// Scan returns the current scripts sorted by name. A missing root yields an
// empty catalog.
func (s *Scanner) Scan() ([]Entry, error) {
	names, err := doublestar.Glob(s.fsys, s.pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("scan scripts: %w", err)
	}

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		if s.Ignored(name) {
			continue
		}
		entry, err := s.Stat(name)
		if err != nil {
			log.Debug("skipping script", "name", name, "error", err)
			continue
		}
		entries = append(entries, *entry)
	}

	slices.SortFunc(entries, func(a, b Entry) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return entries, nil
}

// Stat describes a single script, hashing its content.
func (s *Scanner) Stat(name string) (*Entry, error) {
	info, err := fs.Stat(s.fsys, name)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", name)
	}

	f, err := s.fsys.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("hash %s: %w", name, err)
	}

	return &Entry{
		Name:        name,
		Size:        info.Size(),
		ModTime:     info.ModTime().UTC(),
		ContentHash: hex.EncodeToString(h.Sum(nil)),
	}, nil
}
