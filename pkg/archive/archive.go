// Package archive bundles a finished job's directory into a compressed
// tarball and optionally ships it to object storage.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// Options controls what goes into a bundle.
type Options struct {
	// Exclude holds doublestar patterns matched against slash-separated
	// paths relative to the job directory. A matching directory is skipped
	// entirely.
	Exclude []string

	// RemoveSources deletes bundled files afterwards, leaving only the
	// tarball (and excluded files) in the job directory.
	RemoveSources bool
}

// Result describes a bundle.
type Result struct {
	Path  string
	Files int
	Bytes int64

	// Key is the object key the bundle was uploaded to, if any.
	Key string
}

// Archiver bundles job directories.
type Archiver struct {
	opts     Options
	uploader Uploader
	logger   *zap.Logger
}

// New returns an Archiver. uploader may be nil to keep bundles local.
func New(opts Options, uploader Uploader, logger *zap.Logger) (*Archiver, error) {
	for _, p := range opts.Exclude {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid exclude pattern %q", p)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{opts: opts, uploader: uploader, logger: logger}, nil
}

// BundleName is the tarball file name for a job.
func BundleName(jobName string) string {
	return jobName + ".tar.gz"
}

func (a *Archiver) excluded(rel string) bool {
	for _, p := range a.opts.Exclude {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// Archive writes <dir>/<jobName>.tar.gz and uploads it when an uploader is
// configured.
func (a *Archiver) Archive(ctx context.Context, dir, jobName string) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	bundle := BundleName(jobName)
	files, err := a.collect(dir, bundle)
	if err != nil {
		return nil, err
	}

	res := &Result{Path: filepath.Join(dir, bundle), Files: len(files)}
	if err := writeBundle(res.Path, dir, jobName, files); err != nil {
		_ = os.Remove(res.Path)
		return nil, err
	}
	if fi, err := os.Stat(res.Path); err == nil {
		res.Bytes = fi.Size()
	}

	if a.uploader != nil {
		f, err := os.Open(res.Path)
		if err != nil {
			return nil, fmt.Errorf("open bundle: %w", err)
		}
		key, err := a.uploader.Upload(ctx, bundle, f, res.Bytes)
		_ = f.Close()
		if err != nil {
			return nil, err
		}
		res.Key = key
	}

	if a.opts.RemoveSources {
		if err := removeFiles(dir, files); err != nil {
			return nil, err
		}
	}
	a.logger.Info("job archived",
		zap.String("job", jobName),
		zap.Int("files", res.Files),
		zap.Int64("bytes", res.Bytes),
		zap.String("key", res.Key))
	return res, nil
}

// collect returns slash-separated relative paths of the regular files and
// directories to bundle, in lexical order.
func (a *Archiver) collect(dir, bundle string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if rel == bundle {
			return nil
		}
		if a.excluded(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || d.Type().IsRegular() {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan job directory: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

func writeBundle(target, dir, prefix string, files []string) (err error) {
	// #nosec G304 -- target is inside the job directory we own
	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create bundle: %w", err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close bundle: %w", cerr)
		}
	}()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for _, rel := range files {
		if err := addFile(tw, filepath.Join(dir, filepath.FromSlash(rel)), path.Join(prefix, rel)); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("finish tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("finish gzip: %w", err)
	}
	return nil
}

func addFile(tw *tar.Writer, src, name string) error {
	fi, err := os.Lstat(src)
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}
	hdr, err := tar.FileInfoHeader(fi, "")
	if err != nil {
		return fmt.Errorf("tar header %s: %w", src, err)
	}
	hdr.Name = name
	if fi.IsDir() {
		hdr.Name += "/"
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	if !fi.Mode().IsRegular() {
		return nil
	}
	// #nosec G304 -- src is a file inside the job directory
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { _ = f.Close() }()
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return nil
}

// removeFiles deletes bundled files, then any bundled directories left
// empty, deepest first.
func removeFiles(dir string, files []string) error {
	var dirs []string
	for _, rel := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		fi, err := os.Lstat(p)
		if err != nil {
			continue
		}
		if fi.IsDir() {
			dirs = append(dirs, p)
			continue
		}
		if err := os.Remove(p); err != nil {
			return fmt.Errorf("remove %s: %w", rel, err)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, d := range dirs {
		// non-empty directories hold excluded files and stay
		_ = os.Remove(d)
	}
	return nil
}
