package orchestrator

import (
	"context"
	"net/url"

	"github.com/yairfalse/geoingest/internal/crs"
	"github.com/yairfalse/geoingest/internal/extract"
	"github.com/yairfalse/geoingest/internal/notify"
	"github.com/yairfalse/geoingest/internal/repository"
	"github.com/yairfalse/geoingest/pkg/layer"
	"github.com/yairfalse/geoingest/wal"
)

// RepositoryRequest asks for a repository resource to be opened.
type RepositoryRequest struct {
	ResID     string             `json:"res_id"`
	TypeHint  layer.ResourceType `json:"type_hint,omitempty"`  // Overrides the upstream type when set
	TitleHint string             `json:"title_hint,omitempty"` // Overrides the upstream title when set
}

// UploadRequest carries directly uploaded files. TargetID names the
// repository resource the raw files are added to after publication.
type UploadRequest struct {
	TargetID string
	Files    []extract.Upload
}

// NewProjectRequest creates a repository resource holding one project file.
type NewProjectRequest struct {
	Title    string   `json:"title"`
	Abstract string   `json:"abstract,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
	Name     string   `json:"name,omitempty"` // Project file name, mapProject.json by default
	Content  string   `json:"content"`
}

// Extractor stages a payload into a scratch directory
type Extractor interface {
	Extract(ctx context.Context, rc *layer.RunContext, resID string, in extract.Input) (*extract.FileSet, error)
}

// Classifier turns staged groups into processing units
type Classifier interface {
	Classify(ctx context.Context, rc *layer.RunContext, hint layer.ResourceType, fs *extract.FileSet) ([]layer.ProcessingUnit, []layer.UnitFailure)
}

// Repairer fixes a unit's coordinate system
type Repairer interface {
	Repair(ctx context.Context, kind layer.UnitKind, path string) (crs.Result, error)
	Fallback(ctx context.Context, kind layer.UnitKind, path, msg string) crs.Result
}

// Publisher talks to the map service
type Publisher interface {
	Publish(ctx context.Context, unit layer.ProcessingUnit, fix crs.Result) (layer.PublishedLayer, error)
	ApplyStyle(ctx context.Context, layerID, sld string) (string, error)
	Query(ctx context.Context, service string, params url.Values) ([]byte, error)
}

// SiteLocator finds the site of a time-series reference
type SiteLocator interface {
	Locate(ctx context.Context, c repository.Client, resID string, files []repository.FileInfo, dir string) (*layer.SiteInfo, error)
}

// Journal records the audit trail of ingestion runs
type Journal interface {
	Append(entryType wal.EntryType, runID, resourceID string, data any) error
	AppendError(entryType wal.EntryType, runID, resourceID string, data any, err error) error
}

// Notifier alerts operators about unexpected failures
type Notifier interface {
	Notify(ctx context.Context, rc *layer.RunContext, a notify.Alert)
}

// unitOutcome is the journal payload of one finished unit.
type unitOutcome struct {
	FileName string         `json:"file_name,omitempty"`
	Kind     layer.UnitKind `json:"kind"`
	LayerID  string         `json:"layer_id,omitempty"`
	StoreID  string         `json:"store_id,omitempty"`
	EPSG     int            `json:"epsg,omitempty"`
	Warning  string         `json:"warning,omitempty"`
}

// runSummary is the journal payload of a finished run.
type runSummary struct {
	Source   string `json:"source"`
	Results  int    `json:"results"`
	Failures int    `json:"failures"`
	Cached   bool   `json:"cached"`
}
