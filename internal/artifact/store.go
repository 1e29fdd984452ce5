package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var ErrOutsideRoot = errors.New("artifact: path outside the artifact root")

// FileStore is the append-only output area. References handed out are
// relative to the root's parent directory (e.g. "outputs/x.ply") so they stay
// meaningful to consumers that share the same mount.
type FileStore struct {
	root      string
	promptLen int
	now       func() time.Time
}

// NewFileStore ensures root exists and returns a store rooted at its absolute path.
func NewFileStore(root string, promptLen int) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("artifact: root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("artifact: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: ensure root: %w", err)
	}
	return &FileStore{root: abs, promptLen: promptLen, now: time.Now}, nil
}

// Root returns the absolute artifact directory.
func (s *FileStore) Root() string { return s.root }

// Reserve returns the absolute path a backend should write the artifact to.
func (s *FileStore) Reserve(model, prompt, ext string) string {
	return filepath.Join(s.root, Name(model, prompt, ext, s.now(), s.promptLen))
}

// Ref converts an absolute artifact path into its relative reference.
func (s *FileStore) Ref(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("artifact: resolve path: %w", err)
	}
	inRoot, err := filepath.Rel(s.root, abs)
	if err != nil || inRoot == "." || strings.HasPrefix(inRoot, "..") {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return filepath.ToSlash(filepath.Join(filepath.Base(s.root), inRoot)), nil
}

// Resolve maps a reference produced by Ref back to an absolute path.
func (s *FileStore) Resolve(ref string) (string, error) {
	ref = filepath.ToSlash(strings.TrimSpace(ref))
	ref = strings.TrimLeft(strings.TrimPrefix(ref, "./"), "/")
	ref = strings.TrimPrefix(ref, filepath.Base(s.root)+"/")
	cleaned := filepath.Clean(filepath.FromSlash(ref))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, ref)
	}
	return filepath.Join(s.root, cleaned), nil
}

// Exists reports whether path is an existing regular file.
func (s *FileStore) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
