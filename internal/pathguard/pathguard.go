// Package pathguard validates script identifiers before anything touches the
// filesystem or spawns a process.
package pathguard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

var (
	ErrInvalidPath = errors.New("invalid script identifier")
	ErrNotFound    = errors.New("script not found")
)

type Validator struct {
	root   string
	suffix string
}

func New(root, suffix string) *Validator {
	return &Validator{root: root, suffix: suffix}
}

func (v *Validator) Root() string {
	return v.root
}

func (v *Validator) Suffix() string {
	return v.suffix
}

// Pattern is the doublestar pattern matching every name with the suffix.
func (v *Validator) Pattern() string {
	return "*" + escapeMeta(v.suffix)
}

// IsValidName applies the lexical rules only: no traversal, no separators,
// required suffix.
func (v *Validator) IsValidName(identifier string) bool {
	return v.checkName(identifier) == nil
}

// Validate returns the resolved path of identifier under the root. Every
// failure wraps ErrInvalidPath; a missing file also wraps ErrNotFound.
func (v *Validator) Validate(identifier string) (string, error) {
	if err := v.checkName(identifier); err != nil {
		return "", err
	}

	resolved := filepath.Join(v.root, identifier)

	info, err := os.Stat(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %w: %s", ErrInvalidPath, ErrNotFound, identifier)
		}
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidPath, identifier, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %w: %s is not a regular file", ErrInvalidPath, ErrNotFound, identifier)
	}

	return resolved, nil
}

func (v *Validator) checkName(identifier string) error {
	if identifier == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	if strings.Contains(identifier, "..") || strings.ContainsAny(identifier, "/\\") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, identifier)
	}
	if strings.ContainsRune(identifier, 0) {
		return fmt.Errorf("%w: contains NUL", ErrInvalidPath)
	}
	if !hasSuffix(identifier, v.suffix) {
		return fmt.Errorf("%w: %q must end with %s", ErrInvalidPath, identifier, v.suffix)
	}
	return nil
}

func hasSuffix(name, suffix string) bool {
	ok, err := doublestar.Match("*"+escapeMeta(suffix), name)
	return err == nil && ok
}

// escapeMeta quotes the glob metacharacters so suffix matches literally.
func escapeMeta(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '\\', '*', '?', '[', ']', '{', '}':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
