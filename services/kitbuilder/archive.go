package kitbuilder

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"kitbuilder/pkg/digest"
)

// WriteLayout writes the oci-layout marker and index.json next to the blobs.
func WriteLayout(store *BlobStore, index ocispec.Index) error {
	marker, err := encodeJSON(ocispec.ImageLayout{Version: ocispec.ImageLayoutVersion})
	if err != nil {
		return fmt.Errorf("marshal oci-layout: %w", err)
	}
	indexBytes, err := encodeJSON(index)
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}

	if err := writeFileSync(filepath.Join(store.LayoutDir(), ocispec.ImageLayoutFile), marker); err != nil {
		return err
	}
	return writeFileSync(filepath.Join(store.LayoutDir(), ocispec.ImageIndexFile), indexBytes)
}

func writeFileSync(path string, data []byte) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	return file.Close()
}

// ArchiveName is the file name of a kit archive.
func ArchiveName(kit, version, buildID, arch string) string {
	return fmt.Sprintf("%s-v%s-%s-%s.tar", kit, version, buildID, arch)
}

// WriteArchive bundles layoutDir into a tar at output. The archive is written
// to a hidden temporary file next to output and only moved into place once
// complete; an existing archive is never replaced. It reports unchanged when
// output already held identical bytes.
func WriteArchive(ctx context.Context, layoutDir, output string, modTime time.Time) (unchanged bool, err error) {
	dir := filepath.Dir(output)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create output dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(output)+".tmp-*")
	if err != nil {
		return false, fmt.Errorf("create output file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmp != nil {
			tmp.Close()
		}
		os.Remove(tmpPath)
	}()

	if err := writeLayoutTar(ctx, tmp, layoutDir, modTime); err != nil {
		return false, err
	}
	if err := tmp.Chmod(0o644); err != nil {
		return false, fmt.Errorf("chmod output file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return false, fmt.Errorf("sync output file: %w", err)
	}
	closeErr := tmp.Close()
	tmp = nil
	if closeErr != nil {
		return false, fmt.Errorf("close output file: %w", closeErr)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	err = commitNoReplace(tmpPath, output)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return false, fmt.Errorf("commit archive: %w", err)
	}

	existing, _, err := digest.FromFile(output)
	if err != nil {
		return false, fmt.Errorf("check existing archive: %w", err)
	}
	fresh, _, err := digest.FromFile(tmpPath)
	if err != nil {
		return false, fmt.Errorf("check new archive: %w", err)
	}
	if existing != fresh {
		return false, fmt.Errorf("%w: %s", ErrArchiveExists, output)
	}
	return true, nil
}

func writeLayoutTar(ctx context.Context, w io.Writer, layoutDir string, modTime time.Time) error {
	mtime := modTime.UTC().Truncate(time.Second)
	tw := tar.NewWriter(w)

	// WalkDir visits entries in lexical order, which keeps the archive stable.
	err := filepath.WalkDir(layoutDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if p == layoutDir {
			return nil
		}
		rel, err := filepath.Rel(layoutDir, p)
		if err != nil {
			return fmt.Errorf("relative path for %q: %w", p, err)
		}
		name := filepath.ToSlash(rel)

		if d.IsDir() {
			return tw.WriteHeader(&tar.Header{
				Name:     name + "/",
				Mode:     0o755,
				ModTime:  mtime,
				Typeflag: tar.TypeDir,
			})
		}
		if !d.Type().IsRegular() {
			return fmt.Errorf("unexpected non-regular file %q in layout", name)
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %q: %w", name, err)
		}
		file, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("open %q: %w", name, err)
		}
		defer file.Close()

		if err := tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     info.Size(),
			ModTime:  mtime,
			Typeflag: tar.TypeReg,
		}); err != nil {
			return fmt.Errorf("write header for %q: %w", name, err)
		}
		if _, err := io.Copy(tw, file); err != nil {
			return fmt.Errorf("copy %q: %w", name, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	return nil
}
