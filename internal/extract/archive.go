package extract

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ZipFiles writes a flat zip of paths to w, each stored under its base name.
func ZipFiles(w io.Writer, paths []string) error {
	zw := zip.NewWriter(w)
	for _, p := range paths {
		if err := addToZip(zw, p); err != nil {
			_ = zw.Close()
			return err
		}
	}
	return zw.Close()
}

// ZipFilesTo creates dst and writes a flat zip of paths into it.
func ZipFilesTo(dst string, paths []string) error {
	f, err := os.Create(dst) // #nosec G304 -- dst is inside our scratch dir
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	if err := ZipFiles(f, paths); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func addToZip(zw *zip.Writer, path string) error {
	f, err := os.Open(path) // #nosec G304
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = filepath.Base(path)
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("archive %s: %w", filepath.Base(path), err)
	}
	return nil
}
