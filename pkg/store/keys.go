package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Processing asset kinds. They double as the sort key prefix.
const (
	KindMetadata = "METADATA_ITEM_INDEX"
	KindData     = "DATA_ITEM_INDEX"
)

// RunKey returns the partition key shared by all per-run state.
func RunKey(datasetID, versionID string) string {
	return "DATASET#" + datasetID + "#VERSION#" + versionID
}

// ParseRunKey splits a run key into dataset and version ids.
func ParseRunKey(runKey string) (datasetID, versionID string, err error) {
	rest, ok := strings.CutPrefix(runKey, "DATASET#")
	if !ok {
		return "", "", fmt.Errorf("malformed run key %q", runKey)
	}

	datasetID, versionID, ok = strings.Cut(rest, "#VERSION#")
	if !ok || datasetID == "" || versionID == "" {
		return "", "", fmt.Errorf("malformed run key %q", runKey)
	}

	return datasetID, versionID, nil
}

// AssetSortKey returns the sort key of the index-th row of kind.
func AssetSortKey(kind string, index int) string {
	return kind + "#" + strconv.Itoa(index)
}

// ValidationSortKey returns the sort key of a validation result.
func ValidationSortKey(check, url string) string {
	return "CHECK#" + check + "#URL#" + url
}
