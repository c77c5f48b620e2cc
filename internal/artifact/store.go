// Package artifact stores finished export files on the local filesystem.
//
// Files are written to a staging area first and committed into the root with a
// hard link, so a ref either names a complete file or nothing at all, and a
// committed ref is never overwritten.
package artifact

import (
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const stagingDir = ".staging"

var (
	ErrNotExist   = errors.New("artifact does not exist")
	ErrExists     = errors.New("artifact already exists")
	ErrInvalidRef = errors.New("invalid artifact ref")
)

func init() {
	_ = mime.AddExtensionType(".csv", "text/csv; charset=utf-8")
	_ = mime.AddExtensionType(".xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
}

type Store struct {
	root    string
	staging string
}

func New(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, "resolve artifact root")
	}
	s := &Store{root: abs, staging: filepath.Join(abs, stagingDir)}
	if err := os.MkdirAll(s.staging, 0o755); err != nil {
		return nil, errors.Wrap(err, "create artifact dirs")
	}
	return s, nil
}

func (s *Store) Root() string { return s.root }

// Staged is an in-progress artifact. Exactly one of Commit or Discard should
// be called.
type Staged struct {
	f    *os.File
	s    *Store
	name string
	done bool
}

// Stage opens a temporary file that will become ref on Commit.
func (s *Store) Stage(ref string) (*Staged, error) {
	if err := validRef(ref); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(s.staging, ref+".*.part")
	if err != nil {
		return nil, errors.Wrap(err, "create staging file")
	}
	return &Staged{f: f, s: s, name: ref}, nil
}

func (st *Staged) Write(p []byte) (int, error) { return st.f.Write(p) }

func (st *Staged) Ref() string { return st.name }

// Commit flushes the staged file and publishes it under its ref. It fails with
// ErrExists if the ref is taken.
func (st *Staged) Commit() (string, error) {
	if st.done {
		return "", errors.New("staged artifact already finished")
	}
	st.done = true
	tmp := st.f.Name()
	defer os.Remove(tmp)

	if err := st.f.Sync(); err != nil {
		_ = st.f.Close()
		return "", errors.Wrap(err, "sync staging file")
	}
	if err := st.f.Close(); err != nil {
		return "", errors.Wrap(err, "close staging file")
	}
	if err := os.Link(tmp, st.s.path(st.name)); err != nil {
		if os.IsExist(err) {
			return "", errors.Wrapf(ErrExists, "%s", st.name)
		}
		return "", errors.Wrap(err, "publish artifact")
	}
	return st.name, nil
}

// Discard drops the partial output. It is safe to call after Commit.
func (st *Staged) Discard() error {
	if st.done {
		return nil
	}
	st.done = true
	_ = st.f.Close()
	if err := os.Remove(st.f.Name()); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove staging file")
	}
	return nil
}

func (s *Store) Exists(ref string) (bool, error) {
	if err := validRef(ref); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(ref))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// Object is an opened artifact ready to be streamed.
type Object struct {
	io.ReadSeekCloser
	Name        string
	Size        int64
	ContentType string
	ModTime     time.Time
}

func (s *Store) Open(ref string) (*Object, error) {
	if err := validRef(ref); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotExist, "%s", ref)
		}
		return nil, errors.Wrap(err, "open artifact")
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "stat artifact")
	}
	return &Object{
		ReadSeekCloser: f,
		Name:           ref,
		Size:           stat.Size(),
		ContentType:    ContentType(ref),
		ModTime:        stat.ModTime(),
	}, nil
}

// Delete removes a committed artifact; a missing file yields ErrNotExist.
func (s *Store) Delete(ref string) error {
	if err := validRef(ref); err != nil {
		return err
	}
	if err := os.Remove(s.path(ref)); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(ErrNotExist, "%s", ref)
		}
		return errors.Wrapf(err, "remove artifact %s", ref)
	}
	return nil
}

type Entry struct {
	Ref     string
	Size    int64
	ModTime time.Time
}

// List returns committed artifacts.
func (s *Store) List() ([]Entry, error) {
	des, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.Wrap(err, "read artifact root")
	}
	out := make([]Entry, 0, len(des))
	for _, de := range des {
		if de.IsDir() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.Wrap(err, "stat artifact")
		}
		out = append(out, Entry{Ref: de.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	return out, nil
}

// SweepStaging removes staging files last modified before cutoff, which are
// leftovers from crashed workers. Files whose target ref keep reports true are
// left in place. It returns how many were removed.
func (s *Store) SweepStaging(cutoff time.Time, keep func(ref string) bool) (int, error) {
	des, err := os.ReadDir(s.staging)
	if err != nil {
		return 0, errors.Wrap(err, "read staging dir")
	}
	n := 0
	for _, de := range des {
		info, err := de.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if keep != nil && keep(stagedRef(de.Name())) {
			continue
		}
		if err := os.Remove(filepath.Join(s.staging, de.Name())); err == nil {
			n++
		}
	}
	return n, nil
}

// stagedRef maps a staging file name (<ref>.<random>.part) back to its ref.
func stagedRef(name string) string {
	name = strings.TrimSuffix(name, ".part")
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return name
}

// ContentType infers the MIME type from the ref's extension.
func ContentType(ref string) string {
	if ct := mime.TypeByExtension(filepath.Ext(ref)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func (s *Store) path(ref string) string { return filepath.Join(s.root, ref) }

func validRef(ref string) error {
	if ref == "" || ref == "." || ref == ".." || strings.HasPrefix(ref, ".") ||
		strings.ContainsAny(ref, `/\`) || strings.Contains(ref, "..") {
		return errors.Wrapf(ErrInvalidRef, "%q", ref)
	}
	return nil
}
