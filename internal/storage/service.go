package storage

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/filedav-server/internal/models"
)

const copyChunkSize = 64 * 1024

// uploadPrefix marks in-flight uploads; the leading dot keeps them out of copies.
const uploadPrefix = ".upload-"

// ErrOpen wraps failures to open the destination of a write.
var ErrOpen = errors.New("open failed")

// Service performs the physical side of every operation on the local filesystem.
type Service struct {
	resolver *Resolver
}

func NewService(resolver *Resolver) *Service {
	return &Service{resolver: resolver}
}

func (s *Service) Resolver() *Resolver {
	return s.resolver
}

// EnsureHome creates the owner's physical root if missing.
func (s *Service) EnsureHome(owner uuid.UUID) (os.FileInfo, error) {
	home := s.resolver.Home(owner)
	if err := os.MkdirAll(home, 0o755); err != nil {
		return nil, fmt.Errorf("create home: %w", err)
	}
	return os.Stat(home)
}

// Stat returns nil info and nil error when path does not exist, including
// when one of its parents is a regular file.
func (s *Service) Stat(path string) (os.FileInfo, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
		return nil, nil
	}
	return info, err
}

// ParentIsDir reports whether the parent of path exists and is a directory.
func (s *Service) ParentIsDir(path string) bool {
	info, err := os.Stat(filepath.Dir(path))
	return err == nil && info.IsDir()
}

// WriteResult describes a finished upload.
type WriteResult struct {
	ETag    string
	Size    int64
	Created bool
	Info    os.FileInfo
}

// WriteFile streams r into a hidden temporary file next to path in fixed-size
// chunks while hashing it, then renames it over path. A failed upload leaves
// an existing file untouched.
func (s *Service) WriteFile(path string, r io.Reader) (*WriteResult, error) {
	existing, err := s.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}

	f, err := os.CreateTemp(filepath.Dir(path), uploadPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	tmp := f.Name()

	h := md5.New()
	buf := make([]byte, copyChunkSize)
	n, copyErr := io.CopyBuffer(io.MultiWriter(f, h), r, buf)
	closeErr := f.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr == nil {
		copyErr = os.Chmod(tmp, 0o644)
	}
	if copyErr == nil {
		copyErr = os.Rename(tmp, path)
	}
	if copyErr != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("write %s: %w", filepath.Base(path), copyErr)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	return &WriteResult{
		ETag:    hex.EncodeToString(h.Sum(nil)),
		Size:    n,
		Created: existing == nil,
		Info:    info,
	}, nil
}

// Open opens a file for reading.
func (s *Service) Open(path string) (*os.File, error) {
	return os.Open(path)
}

// Mkdir creates exactly one directory.
func (s *Service) Mkdir(path string) (os.FileInfo, error) {
	if err := os.Mkdir(path, 0o755); err != nil {
		return nil, err
	}
	return os.Stat(path)
}

// Remove deletes a file or a whole directory tree.
func (s *Service) Remove(path string, info os.FileInfo) error {
	if info != nil && info.IsDir() {
		return os.RemoveAll(path)
	}
	return os.Remove(path)
}

// Rename moves src to dst atomically.
func (s *Service) Rename(src, dst string) error {
	return os.Rename(src, dst)
}

// CopyFile copies one regular file, truncating dst.
func (s *Service) CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	buf := make([]byte, copyChunkSize)
	if _, err := io.CopyBuffer(out, in, buf); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	// keep mtime so the copied metadata stays truthful
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

// CopyTree recreates the contents of src below an existing dst directory.
// Hidden entries (leading dot) are skipped together with everything below them.
func (s *Service) CopyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == src {
			return nil
		}
		if IsHidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			if err := os.Mkdir(target, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
				return err
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.Chtimes(target, info.ModTime(), info.ModTime())
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return s.CopyFile(p, target)
	})
}

// FreeBytes reports the space available to the owner, or -1 when unknown.
func (s *Service) FreeBytes(owner uuid.UUID) int64 {
	return freeBytes(s.resolver.Home(owner))
}

// IsHidden reports whether a name is skipped by recursive copies.
func IsHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// DirETag hashes the UTC modification time at second precision.
func DirETag(modTime time.Time) string {
	sum := md5.Sum([]byte(modTime.UTC().Format("2006-01-02T15:04:05Z")))
	return hex.EncodeToString(sum[:])
}

// DetectMimeType sniffs the file content and falls back on the extension for
// the generic answers. Directories get the collection sentinel.
func DetectMimeType(path string, info os.FileInfo) string {
	if info != nil && info.IsDir() {
		return models.DirectoryMimeType
	}

	detected := "application/octet-stream"
	if m, err := mimetype.DetectFile(path); err == nil {
		detected = m.String()
	}
	base, _, _ := strings.Cut(detected, ";")
	base = strings.TrimSpace(base)

	if base == "text/plain" || base == "application/octet-stream" {
		if byExt := mime.TypeByExtension(filepath.Ext(path)); byExt != "" {
			extBase, _, _ := strings.Cut(byExt, ";")
			return strings.TrimSpace(extBase)
		}
	}
	return base
}
