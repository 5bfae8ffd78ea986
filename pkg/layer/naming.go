package layer

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// StorePrefix prefixes every store and member name derived from a resource id.
const StorePrefix = "gis_"

// StoreIDFor returns gis_<resID> or gis_<resID>_<sub>. It never involves randomness,
// so a prior store can always be located from the key alone.
func StoreIDFor(resID string, sub int) string {
	if sub <= 0 {
		return StorePrefix + resID
	}
	return fmt.Sprintf("%s%s_%d", StorePrefix, resID, sub)
}

// subIndexSpace bounds derived sub-indexes so store names stay short.
const subIndexSpace = 999_999

// SubIndexFor derives the sub-index of one file of a multi-file resource
// from its original name. Adding or removing sibling files never moves it.
func SubIndexFor(subFileName string) int {
	return int(xxhash.Sum64String(subFileName)%subIndexSpace) + 1
}

// SubIndexes returns SubIndexFor of each name. A name whose index is already
// taken moves to the next free one, so names must arrive in a stable order.
func SubIndexes(names []string) []int {
	out := make([]int, len(names))
	taken := make(map[int]bool, len(names))
	for i, name := range names {
		n := SubIndexFor(name)
		for taken[n] {
			n = n%subIndexSpace + 1
		}
		taken[n] = true
		out[i] = n
	}
	return out
}

// LayerID qualifies a layer name with its workspace.
func LayerID(workspace, layerName string) string {
	return workspace + ":" + layerName
}

// SplitLayerID is the inverse of LayerID. A bare name yields an empty workspace.
func SplitLayerID(id string) (workspace, name string) {
	if i := strings.Index(id, ":"); i >= 0 {
		return id[:i], id[i+1:]
	}
	return "", id
}

// RecordKey builds the cache key for (resID, subFileName).
func RecordKey(resID, subFileName string) string {
	return resID + "\x00" + subFileName
}

// RecordPrefix is the key prefix shared by all records of a resource.
func RecordPrefix(resID string) string {
	return resID + "\x00"
}
