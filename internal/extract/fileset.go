package extract

import "os"

// Shapefile sidecar extensions.
var (
	requiredShapefileExts = []string{".shp", ".shx", ".dbf", ".prj"}
	optionalShapefileExts = []string{".sbn", ".sbx", ".cpg", ".xml", ".shp.xml"}
)

// Member is one staged file.
type Member struct {
	Original string // Name before renaming
	Ext      string // Lower-cased extension, compound for .shp.xml
	Path     string
	Size     int64
}

// Group is the set of members sharing a stem.
type Group struct {
	Stem     string
	SubIndex int // 0 when the payload has a single group
	Members  []Member
	Size     int64
}

// FileSet is the extracted payload of one resource.
type FileSet struct {
	ResID  string
	Dir    string
	Groups []Group
}

// Cleanup removes the scratch directory.
func (fs *FileSet) Cleanup() error {
	if fs == nil || fs.Dir == "" {
		return nil
	}
	return os.RemoveAll(fs.Dir)
}

// Has reports whether the group contains a member with ext.
func (g Group) Has(ext string) bool {
	return g.Find(ext) != nil
}

// Find returns the first member with ext, or nil.
func (g Group) Find(ext string) *Member {
	for i := range g.Members {
		if g.Members[i].Ext == ext {
			return &g.Members[i]
		}
	}
	return nil
}

// HasAny reports whether the group contains any of exts.
func (g Group) HasAny(exts ...string) bool {
	for _, ext := range exts {
		if g.Has(ext) {
			return true
		}
	}
	return false
}

// IsCompleteShapefile reports whether .shp .shx .dbf and .prj are all present.
func (g Group) IsCompleteShapefile() bool {
	for _, ext := range requiredShapefileExts {
		if !g.Has(ext) {
			return false
		}
	}
	return true
}

// ShapefilePaths returns the required and optional shapefile members.
func (g Group) ShapefilePaths() []string {
	var out []string
	for _, m := range g.Members {
		if isShapefileExt(m.Ext) {
			out = append(out, m.Path)
		}
	}
	return out
}

// Paths returns every member path.
func (g Group) Paths() []string {
	out := make([]string, len(g.Members))
	for i, m := range g.Members {
		out[i] = m.Path
	}
	return out
}

// Originals returns every member's name before renaming, in Paths order.
func (g Group) Originals() []string {
	out := make([]string, len(g.Members))
	for i, m := range g.Members {
		out[i] = m.Original
	}
	return out
}

// OriginalName returns the name that represents the group to callers:
// the shapefile, raster or KML member when present, else the first member.
func (g Group) OriginalName() string {
	for _, ext := range []string{".shp", ".tif", ".tiff", ".vrt", ".kml", ".kmz"} {
		if m := g.Find(ext); m != nil {
			return m.Original
		}
	}
	if len(g.Members) > 0 {
		return g.Members[0].Original
	}
	return g.Stem
}

func isShapefileExt(ext string) bool {
	for _, e := range requiredShapefileExts {
		if e == ext {
			return true
		}
	}
	for _, e := range optionalShapefileExts {
		if e == ext {
			return true
		}
	}
	return false
}
