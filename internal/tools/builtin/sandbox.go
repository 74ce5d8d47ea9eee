package builtin

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gabriel-vasile/mimetype"
)

var (
	ErrOutsideSandbox = errors.New("path is outside the allowed roots")
	ErrDenied         = errors.New("path matches a denied pattern")
	ErrTooLarge       = errors.New("file exceeds maximum size")
	ErrBinary         = errors.New("refusing to handle binary content")
)

// Sandbox confines file tools to a set of roots.
type Sandbox struct {
	roots    []string
	deny     []string
	maxBytes int64
}

// NewSandbox resolves roots to absolute paths and validates deny patterns.
func NewSandbox(roots, deny []string, maxBytes int64) (*Sandbox, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("at least one sandbox root is required")
	}
	s := &Sandbox{maxBytes: maxBytes}
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve root %s: %w", root, err)
		}
		s.roots = append(s.roots, filepath.Clean(abs))
	}
	for _, pattern := range deny {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid deny pattern %q", pattern)
		}
		s.deny = append(s.deny, pattern)
	}
	return s, nil
}

// Roots returns the absolute sandbox roots.
func (s *Sandbox) Roots() []string { return append([]string(nil), s.roots...) }

// MaxBytes is the size cap applied to reads and writes.
func (s *Sandbox) MaxBytes() int64 { return s.maxBytes }

// Resolve maps a user supplied path to an absolute path inside a root. It
// returns the path and the root that contains it.
func (s *Sandbox) Resolve(p string) (string, string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", "", fmt.Errorf("path must be provided")
	}
	for _, root := range s.roots {
		candidate := p
		if !filepath.IsAbs(candidate) {
			candidate = filepath.Join(root, candidate)
		}
		candidate = filepath.Clean(candidate)
		if !within(root, candidate) {
			continue
		}
		if err := s.checkSymlinks(root, candidate); err != nil {
			return "", "", err
		}
		if s.Denied(root, candidate) {
			return "", "", fmt.Errorf("%w: %s", ErrDenied, p)
		}
		return candidate, root, nil
	}
	return "", "", fmt.Errorf("%w: %s", ErrOutsideSandbox, p)
}

// Denied reports whether path matches a deny pattern, either by its path
// relative to root or by base name.
func (s *Sandbox) Denied(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return true
	}
	rel = filepath.ToSlash(rel)
	base := filepath.Base(path)
	for _, pattern := range s.deny {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// Relative renders path relative to root with forward slashes.
func (s *Sandbox) Relative(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

// checkSymlinks rejects paths whose existing prefix resolves outside root.
func (s *Sandbox) checkSymlinks(root, candidate string) error {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		// A root that does not exist yet cannot contain symlinks.
		return nil
	}
	existing := candidate
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing || !within(root, parent) {
			return nil
		}
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", existing, err)
	}
	if !within(realRoot, resolved) {
		return fmt.Errorf("%w: %s", ErrOutsideSandbox, candidate)
	}
	return nil
}

func within(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// checkSize rejects files over the cap.
func (s *Sandbox) checkSize(info fs.FileInfo) error {
	if s.maxBytes > 0 && info.Size() > s.maxBytes {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, info.Size(), s.maxBytes)
	}
	return nil
}

// isText reports whether data looks like text according to its detected MIME type.
func isText(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	for m := mimetype.Detect(data); m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}
