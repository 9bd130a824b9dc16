// Package backup snapshots a job directory into numbered error.N.tar.gz
// bundles before anything in it is changed.
package backup

import (
	"archive/tar"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/gzip"
	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"
)

const (
	bundlePrefix = "error."
	bundleSuffix = ".tar.gz"
	// manifestName is reserved inside every bundle.
	manifestName = ".simwarden-manifest.json"

	// maxCollisions bounds the retries when another writer takes an ordinal.
	maxCollisions = 64
)

type Config struct {
	// Dir holds the bundles; relative file names resolve against it.
	Dir string
	// Extra lists doublestar patterns, relative to Dir, added to every bundle.
	Extra []string
}

// Entry describes one archived file.
type Entry struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Blake3 string `json:"blake3"`
}

type Manifest struct {
	ID        string    `json:"id"`
	Ordinal   int       `json:"ordinal"`
	CreatedAt time.Time `json:"created_at"`
	Files     []Entry   `json:"files"`
	// Skipped lists requested files that did not exist.
	Skipped []string `json:"skipped,omitempty"`
}

// Bundle is a written archive.
type Bundle struct {
	Path     string
	Ordinal  int
	Manifest Manifest
}

type Manager struct {
	cfg Config
	log *slog.Logger
	now func() time.Time
}

func New(cfg Config, log *slog.Logger) *Manager {
	if strings.TrimSpace(cfg.Dir) == "" {
		cfg.Dir = "."
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{cfg: cfg, log: log, now: time.Now}
}

// BundleName is the file name of bundle n.
func BundleName(n int) string {
	return bundlePrefix + strconv.Itoa(n) + bundleSuffix
}

// Ordinals lists the ordinals of the bundles present in dir, ascending.
func Ordinals(dir string) ([]int, error) {
	matches, err := doublestar.Glob(os.DirFS(dir), bundlePrefix+"*"+bundleSuffix)
	if err != nil {
		return nil, err
	}
	var out []int
	for _, m := range matches {
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(m, bundlePrefix), bundleSuffix))
		if err != nil || n < 1 {
			continue
		}
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

// NextOrdinal is one past the highest existing bundle ordinal.
func NextOrdinal(dir string) (int, error) {
	ns, err := Ordinals(dir)
	if err != nil {
		return 0, err
	}
	if len(ns) == 0 {
		return 1, nil
	}
	return ns[len(ns)-1] + 1, nil
}

// Backup archives every file in files that exists, plus the configured
// extras, into a new bundle. An existing bundle is never overwritten.
func (m *Manager) Backup(files ...string) (*Bundle, error) {
	paths, err := m.resolve(files)
	if err != nil {
		return nil, err
	}
	n, err := NextOrdinal(m.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("scan bundles: %w", err)
	}
	var f *os.File
	var path string
	for i := 0; ; i++ {
		path = filepath.Join(m.cfg.Dir, BundleName(n))
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) || i >= maxCollisions {
			return nil, fmt.Errorf("create %s: %w", path, err)
		}
		n++
	}

	b := &Bundle{Path: path, Ordinal: n, Manifest: Manifest{
		ID:        ulid.Make().String(),
		Ordinal:   n,
		CreatedAt: m.now().UTC(),
		Files:     []Entry{},
	}}
	if err := m.write(f, paths, &b.Manifest); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	m.log.Info("backed up job files", "bundle", filepath.Base(path), "files", len(b.Manifest.Files), "skipped", len(b.Manifest.Skipped))
	return b, nil
}

type member struct {
	path string
	name string
}

// resolve turns the requested names and extra patterns into a de-duplicated
// member list. Archive names are relative to Dir where possible.
func (m *Manager) resolve(files []string) ([]member, error) {
	seen := map[string]bool{}
	var out []member
	add := func(p string) {
		abs := p
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(m.cfg.Dir, p)
		}
		name, err := filepath.Rel(m.cfg.Dir, abs)
		if err != nil || strings.HasPrefix(name, "..") {
			name = filepath.Base(abs)
		}
		name = filepath.ToSlash(name)
		if seen[name] || name == manifestName {
			return
		}
		seen[name] = true
		out = append(out, member{path: abs, name: name})
	}
	for _, f := range files {
		if strings.TrimSpace(f) != "" {
			add(f)
		}
	}
	for _, pat := range m.cfg.Extra {
		matches, err := doublestar.Glob(os.DirFS(m.cfg.Dir), filepath.ToSlash(pat))
		if err != nil {
			return nil, fmt.Errorf("backup pattern %q: %w", pat, err)
		}
		for _, match := range matches {
			if strings.HasPrefix(filepath.Base(match), bundlePrefix) && strings.HasSuffix(match, bundleSuffix) {
				continue
			}
			add(filepath.FromSlash(match))
		}
	}
	return out, nil
}

func (m *Manager) write(w io.Writer, members []member, man *Manifest) error {
	zw := gzip.NewWriter(w)
	tw := tar.NewWriter(zw)
	for _, mem := range members {
		fi, err := os.Stat(mem.path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				man.Skipped = append(man.Skipped, mem.name)
				continue
			}
			return err
		}
		if !fi.Mode().IsRegular() {
			continue
		}
		e, err := addFile(tw, mem, fi)
		if err != nil {
			return fmt.Errorf("archive %s: %w", mem.name, err)
		}
		man.Files = append(man.Files, e)
	}
	raw, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return err
	}
	hdr := &tar.Header{Name: manifestName, Mode: 0o644, Size: int64(len(raw)), ModTime: man.CreatedAt, Typeflag: tar.TypeReg}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := tw.Write(raw); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return zw.Close()
}

func addFile(tw *tar.Writer, mem member, fi fs.FileInfo) (Entry, error) {
	hdr, err := tar.FileInfoHeader(fi, "")
	if err != nil {
		return Entry{}, err
	}
	hdr.Name = mem.name
	src, err := os.Open(mem.path)
	if err != nil {
		return Entry{}, err
	}
	defer func() { _ = src.Close() }()
	if err := tw.WriteHeader(hdr); err != nil {
		return Entry{}, err
	}
	h := blake3.New()
	n, err := io.Copy(io.MultiWriter(tw, h), src)
	if err != nil {
		return Entry{}, err
	}
	if n != fi.Size() {
		return Entry{}, fmt.Errorf("size changed while archiving: stat=%d read=%d", fi.Size(), n)
	}
	return Entry{Name: mem.name, Size: n, Blake3: hex.EncodeToString(h.Sum(nil))}, nil
}
