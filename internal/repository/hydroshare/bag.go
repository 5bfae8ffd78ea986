package hydroshare

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/yairfalse/geoingest/pkg/layer"
)

const contentsDir = "data/contents/"

// contentsRel returns the member path relative to the bag's content
// directory, or "" for bag bookkeeping files.
func contentsRel(name string) string {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	i := strings.Index(name, contentsDir)
	if i < 0 || (i > 0 && name[i-1] != '/') {
		return ""
	}
	rel := name[i+len(contentsDir):]
	if rel == "" || strings.HasPrefix(rel, "../") {
		return ""
	}
	return rel
}

// extractBagContents writes the content files of a bag zip under dir and
// returns how many were written.
func extractBagContents(bagPath, dir string) (int, error) {
	zr, err := zip.OpenReader(bagPath)
	if err != nil {
		return 0, layer.NewError(layer.KindUnsupportedContent, "download", "", fmt.Errorf("open bag: %w", err))
	}
	defer func() { _ = zr.Close() }()

	n := 0
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rel := contentsRel(f.Name)
		if rel == "" {
			continue
		}
		dst := filepath.Join(dir, filepath.FromSlash(rel))
		if err := writeMember(f, dst); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func writeMember(f *zip.File, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	r, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer func() { _ = r.Close() }()

	out, err := os.Create(dst) // #nosec G304 -- dst is confined to the bag's content dir
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil { // #nosec G110 -- size checked before download
		_ = out.Close()
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return out.Close()
}
