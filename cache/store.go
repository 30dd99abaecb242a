// Package cache implements the filename-addressed content cache the proxy
// interleaves into every spliced data transfer: write-allocate on MISS,
// read-through on HIT, no eviction, no expiration.
package cache

import (
	"io"
	"os"
	"strings"

	"github.com/spf13/afero"
)

const osOpenAppendFlags = os.O_CREATE | os.O_WRONLY | os.O_APPEND

// Store maps filenames to on-disk artifacts under a fixed root. The root
// filesystem is an afero.Fs so tests can substitute afero.NewMemMapFs() for
// the production afero.NewOsFs(), the same seam the driver's ClientDriver
// uses to abstract its backing filesystem.
type Store struct {
	fs   afero.Fs
	root string
}

// NewStore creates a cache store rooted at root on fs. The caller is
// responsible for making sure root exists (see EnsureRoot).
func NewStore(fs afero.Fs, root string) *Store {
	return &Store{fs: fs, root: root}
}

// EnsureRoot creates the cache root directory (mode 0775) if it doesn't
// already exist, mirroring the reference's unconditional mkdir("cache", 0775)
// at startup.
func (s *Store) EnsureRoot() error {
	return s.fs.MkdirAll(s.root, 0775) //nolint:wrapcheck
}

// SanitizeFilename strips trailing CR/LF from a filename taken off the wire.
// No further path validation is performed; a name such as "../etc/passwd"
// still escapes the cache root. This is a documented limitation (spec §9,
// note 4) and not hardened here.
func SanitizeFilename(name string) string {
	return strings.TrimRight(name, "\r\n")
}

func (s *Store) path(filename string) string {
	return s.root + "/" + filename
}

// Exists reports whether filename is present under the cache root. This is
// the sole cache-membership signal; size and content are never validated.
func (s *Store) Exists(filename string) bool {
	info, err := s.fs.Stat(s.path(filename))

	return err == nil && !info.IsDir()
}

// OpenRead opens filename for sequential reading. The reader yields io.EOF
// at the end of the file like any other io.Reader.
func (s *Store) OpenRead(filename string) (io.ReadCloser, error) {
	file, err := s.fs.Open(s.path(filename))
	if err != nil {
		return nil, newCacheError("open for read", err)
	}

	return file, nil
}

// Appender is an open cache artifact being written to during a MISS.
type Appender struct {
	file afero.File
}

// Append writes data to the artifact and flushes it to disk before
// returning, so a transfer that never reaches EOF leaves a partial file
// behind (documented limitation, spec §4.3 and §9 note 3).
func (a *Appender) Append(data []byte) error {
	if _, err := a.file.Write(data); err != nil {
		return newCacheError("append", err)
	}

	return newCacheError("sync", a.file.Sync())
}

// Close closes the underlying artifact.
func (a *Appender) Close() error {
	return a.file.Close()
}

// OpenAppend opens filename for appending, creating it if absent.
func (s *Store) OpenAppend(filename string) (*Appender, error) {
	file, err := s.fs.OpenFile(s.path(filename), osOpenAppendFlags, 0664)
	if err != nil {
		return nil, newCacheError("open for append", err)
	}

	return &Appender{file: file}, nil
}

func newCacheError(str string, err error) error {
	if err == nil {
		return nil
	}

	return &CacheError{str: str, err: err}
}

// CacheError wraps any error that occurs while reading or writing the cache,
// in the same shape the teacher library's DriverError/NetworkError wrap
// their own causes.
type CacheError struct {
	str string
	err error
}

func (e *CacheError) Error() string {
	return "cache error: " + e.str + ": " + e.err.Error()
}

func (e *CacheError) Unwrap() error {
	return e.err
}
