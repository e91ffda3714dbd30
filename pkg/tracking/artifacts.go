package tracking

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const fileMode = 0600

// copyTree copies a single file or the regular files of a directory tree
// from src into the dst directory on fs and returns the number of files
// copied. A file src lands in dst under its own name.
func copyTree(ctx context.Context, fs afero.Fs, src, dst string) (int, error) {
	files, err := listFiles(fs, src)
	if err != nil {
		return 0, err
	}

	if err := fs.MkdirAll(dst, dirMode); err != nil {
		return 0, errors.Wrapf(err, "failed to create dir: %s", dst)
	}

	for i, file := range files {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		target := filepath.Join(dst, filepath.FromSlash(file.rel))
		if err := fs.MkdirAll(filepath.Dir(target), dirMode); err != nil {
			return i, errors.Wrapf(err, "failed to create dir: %s", filepath.Dir(target))
		}
		if err := copyFile(fs, file.local, target); err != nil {
			return i, err
		}
	}
	return len(files), nil
}

func copyFile(fs afero.Fs, src, dst string) (retErr error) {
	in, err := fs.Open(src)
	if err != nil {
		return errors.Wrapf(err, "failed to open: %s", src)
	}
	defer in.Close()

	out, err := fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fileMode)
	if err != nil {
		return errors.Wrapf(err, "failed to create: %s", dst)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && retErr == nil {
			retErr = errors.Wrapf(cerr, "failed to close: %s", dst)
		}
	}()

	if _, err := io.Copy(out, in); err != nil {
		return errors.Wrapf(err, "failed to copy %s to %s", src, dst)
	}
	return nil
}

type artifactFile struct {
	local string
	rel   string
}

// listFiles returns the regular files under src with their slash separated
// path relative to src. A file src yields its own base name.
func listFiles(fs afero.Fs, src string) ([]artifactFile, error) {
	info, err := fs.Stat(src)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat: %s", src)
	}
	if !info.IsDir() {
		return []artifactFile{{local: src, rel: info.Name()}}, nil
	}

	var files []artifactFile
	err = afero.Walk(fs, src, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		files = append(files, artifactFile{local: path, rel: filepath.ToSlash(rel)})
		return nil
	})
	return files, err
}
