// Package scratch owns the per-request temporary files that hold uploads
// while they are transcribed.
package scratch

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"github.com/google/uuid"
)

var ErrEmptyUpload = errors.New("upload is empty")

const maxNameLength = 96

// Dir creates artifacts inside one directory. Names never escape it.
type Dir struct {
	Path string
}

func NewDir(path string) (*Dir, error) {
	if strings.TrimSpace(path) == "" {
		path = os.TempDir()
	}

	path = filepath.Clean(path)
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("create scratch directory %s: %w", path, err)
	}

	return &Dir{Path: path}, nil
}

// Artifact is one uploaded file on disk. It belongs to exactly one request.
type Artifact struct {
	path string
	size int64

	once      sync.Once
	removeErr error
}

func (a *Artifact) Path() string {
	return a.path
}

func (a *Artifact) Size() int64 {
	return a.size
}

// Remove deletes the file. Only the first call touches the filesystem; later
// calls return the first result.
func (a *Artifact) Remove() error {
	a.once.Do(func() {
		if err := os.Remove(a.path); err != nil {
			a.removeErr = fmt.Errorf("remove scratch file %s: %w", a.path, err)
		}
	})
	return a.removeErr
}

// Create writes r to a new uniquely named file derived from the uploaded
// filename. A partial or empty file is removed before an error is returned.
func (d *Dir) Create(filename string, r io.Reader) (*Artifact, error) {
	path := filepath.Join(d.Path, UniqueName(filename))

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create scratch file: %w", err)
	}

	artifact := &Artifact{path: path}
	n, copyErr := io.Copy(f, r)
	closeErr := f.Close()

	switch {
	case copyErr != nil:
		err = fmt.Errorf("write scratch file: %w", copyErr)
	case closeErr != nil:
		err = fmt.Errorf("close scratch file: %w", closeErr)
	case n == 0:
		err = ErrEmptyUpload
	}
	if err != nil {
		_ = artifact.Remove()
		return nil, err
	}

	artifact.size = n
	return artifact, nil
}

// Reserve creates an empty uniquely named file for a tool that writes its
// own output there. The artifact is removed like any other.
func (d *Dir) Reserve(filename string) (*Artifact, error) {
	path := filepath.Join(d.Path, UniqueName(filename))

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create scratch file: %w", err)
	}
	artifact := &Artifact{path: path}
	if err := f.Close(); err != nil {
		_ = artifact.Remove()
		return nil, fmt.Errorf("close scratch file: %w", err)
	}
	return artifact, nil
}

// UniqueName combines a random id with a filesystem-safe form of filename.
func UniqueName(filename string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	name := SanitizeFilename(filename)
	if name == "" {
		return "temp_" + id
	}
	return "temp_" + id + "_" + name
}

// SanitizeFilename drops any directory part of an uploaded name and keeps
// only letters, digits, dot, dash and underscore.
func SanitizeFilename(filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	if base == "." || base == "/" || base == ".." {
		return ""
	}

	var b strings.Builder
	for _, r := range base {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	name := strings.TrimLeft(b.String(), ".")
	if len(name) > maxNameLength {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = name[:maxNameLength-len(ext)] + ext
	}
	return name
}
