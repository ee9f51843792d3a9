package lifecycle

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// bundleSummary describes the regular files stored in a bundle.
type bundleSummary struct {
	Files int
	Bytes int64
}

// writeBundle packs srcDir into a gzip-compressed tarball at dest. Entries are
// rooted at root/ so extracting the bundle recreates the folder.
func writeBundle(srcDir, root, dest string) (bundleSummary, error) {
	var sum bundleSummary
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return sum, fmt.Errorf("create archive dir: %w", err)
	}
	tmp := dest + ".partial"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return sum, fmt.Errorf("create bundle: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmp)
	}

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	walkErr := filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = path.Join(root, filepath.ToSlash(rel))
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		src, err := os.Open(p)
		if err != nil {
			return err
		}
		n, err := io.Copy(tw, src)
		_ = src.Close()
		if err != nil {
			return err
		}
		sum.Files++
		sum.Bytes += n
		return nil
	})
	if walkErr != nil {
		cleanup()
		return sum, fmt.Errorf("write bundle: %w", walkErr)
	}
	if err := tw.Close(); err != nil {
		cleanup()
		return sum, fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		cleanup()
		return sum, fmt.Errorf("close gzip: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return sum, fmt.Errorf("close bundle: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return sum, fmt.Errorf("rename bundle: %w", err)
	}
	return sum, nil
}

// inspectBundle reads every entry of the bundle back.
func inspectBundle(bundle string) (bundleSummary, error) {
	var sum bundleSummary
	err := walkBundle(bundle, func(hdr *tar.Header, r io.Reader) error {
		if hdr.Typeflag != tar.TypeReg {
			return nil
		}
		n, err := io.Copy(io.Discard, r)
		if err != nil {
			return err
		}
		sum.Files++
		sum.Bytes += n
		return nil
	})
	return sum, err
}

var errUnsafeEntry = errors.New("bundle entry escapes destination")

// extractBundle unpacks bundle into parent. Every entry must live under root/.
func extractBundle(bundle, parent, root string) (bundleSummary, error) {
	var sum bundleSummary
	base := filepath.Clean(parent)
	err := walkBundle(bundle, func(hdr *tar.Header, r io.Reader) error {
		name := path.Clean(hdr.Name)
		if name != root && !strings.HasPrefix(name, root+"/") {
			return fmt.Errorf("%w: %s", errUnsafeEntry, hdr.Name)
		}
		target := filepath.Join(base, filepath.FromSlash(name))
		if !strings.HasPrefix(target, base+string(filepath.Separator)) {
			return fmt.Errorf("%w: %s", errUnsafeEntry, hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			return os.MkdirAll(target, 0o750)
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
			if err != nil {
				return err
			}
			n, err := io.Copy(out, r)
			closeErr := out.Close()
			if err != nil {
				return err
			}
			if closeErr != nil {
				return closeErr
			}
			sum.Files++
			sum.Bytes += n
			return nil
		default:
			return nil
		}
	})
	return sum, err
}

func walkBundle(bundle string, fn func(*tar.Header, io.Reader) error) error {
	f, err := os.Open(bundle)
	if err != nil {
		return fmt.Errorf("open bundle: %w", err)
	}
	defer func() { _ = f.Close() }()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("read gzip: %w", err)
	}
	defer func() { _ = gz.Close() }()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
}

func dirSize(dir string) (files int, bytes int64, err error) {
	err = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			files++
			bytes += info.Size()
		}
		return nil
	})
	return files, bytes, err
}
