// Package extract copies resource payloads into a scratch directory, expands
// archives, groups members by stem and renames them deterministically.
package extract

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yairfalse/geoingest/internal/filter"
	"github.com/yairfalse/geoingest/internal/telemetry"
	"github.com/yairfalse/geoingest/pkg/layer"
)

// maxArchiveDepth bounds archive-in-archive expansion.
const maxArchiveDepth = 3

// ErrNoInputs is returned when Extract is called with nothing to extract.
var ErrNoInputs = errors.New("no input files")

// Upload is one directly uploaded file.
type Upload struct {
	Name string
	Open func() (io.ReadCloser, error)
}

// Input is either a bundle directory or a list of uploads.
type Input struct {
	BundleDir string
	Uploads   []Upload
}

// Extractor stages payloads under a per-user, per-resource scratch directory.
type Extractor struct {
	scratchRoot string
	filter      *filter.Filter
	logger      *telemetry.Logger
}

// New creates an Extractor rooted at scratchRoot.
func New(scratchRoot string, f *filter.Filter) *Extractor {
	if f == nil {
		f = filter.New(nil)
	}
	return &Extractor{
		scratchRoot: scratchRoot,
		filter:      f,
		logger:      telemetry.NewLogger("extract"),
	}
}

// ScratchDir returns the scratch directory used for (user, resID).
func (e *Extractor) ScratchDir(rc *layer.RunContext, resID string) string {
	return filepath.Join(e.scratchRoot, rc.UserDir(), layer.SafeName(resID))
}

// Extract stages the input, expands archives and returns the grouped members.
// The caller owns the returned FileSet and must call Cleanup.
func (e *Extractor) Extract(ctx context.Context, rc *layer.RunContext, resID string, in Input) (*FileSet, error) {
	if in.BundleDir == "" && len(in.Uploads) == 0 {
		return nil, ErrNoInputs
	}

	dir := e.ScratchDir(rc, resID)
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("reset scratch dir: %w", err)
	}
	staging := filepath.Join(dir, "staging")
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}

	fset := &FileSet{ResID: resID, Dir: dir}
	if err := e.stage(ctx, staging, in); err != nil {
		_ = fset.Cleanup()
		return nil, err
	}

	if err := e.expandArchives(ctx, staging); err != nil {
		_ = fset.Cleanup()
		return nil, err
	}

	groups, err := groupByStem(staging)
	if err != nil {
		_ = fset.Cleanup()
		return nil, err
	}

	if err := renameGroups(resID, dir, groups); err != nil {
		_ = fset.Cleanup()
		return nil, err
	}
	_ = os.RemoveAll(staging)
	fset.Groups = groups

	e.logger.WithContext(ctx).Debug().
		Str("res_id", resID).
		Int("groups", len(groups)).
		Msg("payload extracted")
	return fset, nil
}

func (e *Extractor) stage(ctx context.Context, staging string, in Input) error {
	if in.BundleDir != "" {
		err := filepath.WalkDir(in.BundleDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				if d.Name() == "__MACOSX" {
					return filepath.SkipDir
				}
				return nil
			}
			rel, err := filepath.Rel(in.BundleDir, path)
			if err != nil {
				return err
			}
			if !e.filter.ShouldIncludeMember(rel) {
				return nil
			}
			return copyFile(path, uniquePath(staging, d.Name()))
		})
		if err != nil {
			return fmt.Errorf("stage bundle: %w", err)
		}
	}

	for _, up := range in.Uploads {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !e.filter.ShouldIncludeMember(up.Name) {
			continue
		}
		if err := stageUpload(staging, up); err != nil {
			return err
		}
	}
	return nil
}

func stageUpload(staging string, up Upload) error {
	rc, err := up.Open()
	if err != nil {
		return fmt.Errorf("open upload %s: %w", up.Name, err)
	}
	defer func() { _ = rc.Close() }()

	return writeFile(uniquePath(staging, filepath.Base(filepath.ToSlash(up.Name))), rc)
}

// expandArchives unpacks .zip and .kmz members in place, flattening directories.
func (e *Extractor) expandArchives(ctx context.Context, staging string) error {
	for depth := 0; depth < maxArchiveDepth; depth++ {
		entries, err := os.ReadDir(staging)
		if err != nil {
			return fmt.Errorf("read staging: %w", err)
		}

		expanded := 0
		for _, entry := range entries {
			ext := strings.ToLower(filepath.Ext(entry.Name()))
			if ext != ".zip" && ext != ".kmz" {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			path := filepath.Join(staging, entry.Name())
			if err := e.unzip(path, staging, ext == ".kmz"); err != nil {
				return err
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove expanded archive: %w", err)
			}
			expanded++
		}
		if expanded == 0 {
			return nil
		}
	}
	return nil
}

func (e *Extractor) unzip(path, dest string, kmz bool) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return layer.NewError(layer.KindUnsupportedContent, "extract",
			fmt.Sprintf("The archive %s could not be opened.", filepath.Base(path)), err)
	}
	defer func() { _ = zr.Close() }()

	kmzStem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !e.filter.ShouldIncludeMember(f.Name) {
			continue
		}
		name := filepath.Base(filepath.ToSlash(f.Name))
		if kmz && strings.EqualFold(filepath.Ext(name), ".kml") {
			name = kmzStem + ".kml"
		}
		if err := extractMember(f, uniquePath(dest, name)); err != nil {
			return layer.NewError(layer.KindUnsupportedContent, "extract",
				fmt.Sprintf("The archive %s is corrupt.", filepath.Base(path)), err)
		}
	}
	return nil
}

func extractMember(f *zip.File, dst string) error {
	r, err := f.Open()
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()
	return writeFile(dst, r)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 -- bundle paths come from our own download dir
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	return writeFile(dst, in)
}

func writeFile(dst string, r io.Reader) error {
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644) // #nosec G304
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// uniquePath returns dir/name, suffixing the stem when a flattened member collides.
func uniquePath(dir, name string) string {
	p := filepath.Join(dir, name)
	if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
		return p
	}
	stem, ext := splitExt(name)
	for i := 1; ; i++ {
		p = filepath.Join(dir, fmt.Sprintf("%s(%d)%s", stem, i, ext))
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			return p
		}
	}
}

// splitExt splits a member name into stem and extension, treating the
// .shp.xml metadata sidecar as one extension.
func splitExt(name string) (stem, ext string) {
	const compound = ".shp.xml"
	if strings.HasSuffix(strings.ToLower(name), compound) && len(name) > len(compound) {
		return name[:len(name)-len(compound)], name[len(name)-len(compound):]
	}
	ext = filepath.Ext(name)
	return strings.TrimSuffix(name, ext), ext
}

func groupByStem(staging string) ([]Group, error) {
	entries, err := os.ReadDir(staging)
	if err != nil {
		return nil, fmt.Errorf("read staging: %w", err)
	}

	byStem := map[string]*Group{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		stem, ext := splitExt(entry.Name())
		g, ok := byStem[stem]
		if !ok {
			g = &Group{Stem: stem}
			byStem[stem] = g
		}
		g.Members = append(g.Members, Member{
			Original: entry.Name(),
			Ext:      strings.ToLower(ext),
			Path:     filepath.Join(staging, entry.Name()),
			Size:     info.Size(),
		})
		g.Size += info.Size()
	}

	groups := make([]Group, 0, len(byStem))
	for _, g := range byStem {
		sort.Slice(g.Members, func(i, j int) bool { return g.Members[i].Original < g.Members[j].Original })
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Stem < groups[j].Stem })
	return groups, nil
}

// renameGroups moves every member to gis_<resID>[_<n>]<ext> under dir. n is
// derived from the group's original name when there is more than one group.
func renameGroups(resID, dir string, groups []Group) error {
	var subs []int
	if len(groups) > 1 {
		names := make([]string, len(groups))
		for gi := range groups {
			names[gi] = groups[gi].OriginalName()
		}
		subs = layer.SubIndexes(names)
	}
	safeID := layer.SafeName(resID)
	for gi := range groups {
		g := &groups[gi]
		if subs != nil {
			g.SubIndex = subs[gi]
		}
		base := layer.StoreIDFor(safeID, g.SubIndex)
		for mi := range g.Members {
			m := &g.Members[mi]
			dst := filepath.Join(dir, base+m.Ext)
			if _, err := os.Stat(dst); err == nil {
				// Same stem, same extension differing only in case.
				dst = uniquePath(dir, base+m.Ext)
			}
			if err := os.Rename(m.Path, dst); err != nil {
				return fmt.Errorf("rename %s: %w", m.Original, err)
			}
			m.Path = dst
		}
	}
	return nil
}
