package layer

import (
	"errors"
	"fmt"
)

// PublishedLayer is the publish-shaped payload of a result unit.
type PublishedLayer struct {
	LayerName  string    `json:"layer_name"`
	LayerID    string    `json:"layer_id"`
	StoreID    string    `json:"store_id"`
	Extents    BBox      `json:"extents"`
	Attributes []string  `json:"attributes"`
	GeomType   string    `json:"geom_type,omitempty"`
	BandInfo   *BandInfo `json:"band_info,omitempty"`
}

// ProjectPayload carries a project file verbatim.
type ProjectPayload struct {
	Content string `json:"content"`
}

// GenericFile references an opaque file kept for download.
type GenericFile struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	HumanSize string `json:"human_size"`
}

// ResultUnit is the caller-facing result for one processing unit.
type ResultUnit struct {
	ResID    string          `json:"res_id"`
	ResType  ResourceType    `json:"res_type"`
	Title    string          `json:"title,omitempty"`
	FileName string          `json:"file_name,omitempty"`
	Layer    *PublishedLayer `json:"layer,omitempty"`
	Site     *SiteInfo       `json:"site_info,omitempty"`
	Project  *ProjectPayload `json:"project,omitempty"`
	Generic  *GenericFile    `json:"generic,omitempty"`
	Cached   bool            `json:"cached"`
	Warning  string          `json:"warning,omitempty"`
}

// ErrAmbiguousResult is returned by Validate when a unit has zero or several payloads.
var ErrAmbiguousResult = errors.New("result unit must carry exactly one payload")

// Validate checks that exactly one payload is set.
func (u ResultUnit) Validate() error {
	n := 0
	if u.Layer != nil {
		n++
	}
	if u.Site != nil {
		n++
	}
	if u.Project != nil {
		n++
	}
	if u.Generic != nil {
		n++
	}
	if n != 1 {
		return fmt.Errorf("%w: %s has %d", ErrAmbiguousResult, u.ResID, n)
	}
	return nil
}

// UnitFailure reports a unit that failed without aborting its siblings.
type UnitFailure struct {
	FileName string `json:"file_name,omitempty"`
	Kind     Kind   `json:"kind"`
	Message  string `json:"message"`
}

// FailureFrom builds a UnitFailure from an error.
func FailureFrom(fileName string, err error) UnitFailure {
	return UnitFailure{FileName: fileName, Kind: KindOf(err), Message: UserMessage(err)}
}

// Response is the top-level result of an ingestion call.
type Response struct {
	Success  bool          `json:"success"`
	Message  string        `json:"message"`
	Results  []ResultUnit  `json:"results"`
	Failures []UnitFailure `json:"failures,omitempty"`
}

// FailedResponse builds a response for a call that produced nothing.
func FailedResponse(err error) Response {
	return Response{
		Success: false,
		Message: UserMessage(err),
		Results: []ResultUnit{},
	}
}

// ResultFromRecord rebuilds a result unit from a cached record.
func ResultFromRecord(rec LayerRecord) ResultUnit {
	u := ResultUnit{
		ResID:    rec.ResID,
		ResType:  rec.ResType,
		Title:    rec.Title,
		FileName: rec.SubFileName,
	}
	if rec.Kind == KindSite {
		u.Site = rec.SiteInfo
		return u
	}
	u.Layer = &PublishedLayer{
		LayerName:  rec.LayerName,
		LayerID:    rec.LayerID,
		StoreID:    rec.StoreID,
		Extents:    rec.Extents,
		Attributes: rec.Attributes,
		GeomType:   rec.GeomType,
		BandInfo:   rec.BandInfo,
	}
	return u
}
