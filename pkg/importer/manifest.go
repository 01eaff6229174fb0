package importer

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"path"

	"github.com/ethpandaops/geostore/pkg/storage"
)

// Kind selects the copy function of an import job.
type Kind string

// Import kinds.
const (
	KindData     Kind = "DATA"
	KindMetadata Kind = "METADATA"
)

// ManifestKey returns the canonical bucket key of a job manifest.
func ManifestKey(versionID string, kind Kind) string {
	return fmt.Sprintf("manifests/%s_%s.csv", versionID, kind)
}

// ReportKey returns the canonical bucket key of a job report.
func ReportKey(versionID string, kind Kind) string {
	return fmt.Sprintf("reports/%s/%s.json", versionID, kind)
}

// NewKey returns the canonical key a staged file is imported to.
func NewKey(datasetPrefix, versionID, originalKey string) string {
	return path.Join(datasetPrefix, versionID, storage.Basename(originalKey))
}

// Entry is the JSON blob carried in the key column of a manifest line.
type Entry struct {
	TargetBucketName string `json:"target_bucket_name"`
	OriginalKey      string `json:"original_key"`
	NewKey           string `json:"new_key"`
	S3RoleARN        string `json:"s3_role_arn"`

	// Canonical fallback for files that were not re-uploaded.
	DatasetTitle     string `json:"dataset_title,omitempty"`
	DatasetPrefix    string `json:"dataset_prefix,omitempty"`
	CurrentVersionID string `json:"current_version_id,omitempty"`
}

// Fallback returns the canonical fallback of the entry.
func (e *Entry) Fallback() storage.Fallback {
	return storage.Fallback{
		DatasetTitle:     e.DatasetTitle,
		DatasetPrefix:    e.DatasetPrefix,
		CurrentVersionID: e.CurrentVersionID,
	}
}

// Line is one manifest line.
type Line struct {
	SourceBucket string
	Entry        Entry
}

// EncodeKey returns the percent-encoded JSON of e.
func EncodeKey(e *Entry) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encoding manifest entry: %w", err)
	}

	return url.QueryEscape(string(data)), nil
}

// DecodeKey parses a percent-encoded manifest entry.
func DecodeKey(key string) (*Entry, error) {
	raw, err := url.QueryUnescape(key)
	if err != nil {
		return nil, fmt.Errorf("unescaping manifest entry: %w", err)
	}

	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("decoding manifest entry: %w", err)
	}

	if e.OriginalKey == "" || e.NewKey == "" || e.TargetBucketName == "" {
		return nil, fmt.Errorf("incomplete manifest entry %q", raw)
	}

	return &e, nil
}

// WriteManifest renders lines as CSV.
func WriteManifest(w io.Writer, lines []Line) error {
	cw := csv.NewWriter(w)

	for _, l := range lines {
		key, err := EncodeKey(&l.Entry)
		if err != nil {
			return err
		}

		if err := cw.Write([]string{l.SourceBucket, key}); err != nil {
			return fmt.Errorf("writing manifest line: %w", err)
		}
	}

	cw.Flush()

	return cw.Error()
}

// ReadManifest parses a CSV manifest into bucket/key pairs.
func ReadManifest(data []byte) ([][2]string, error) {
	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = 2

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	pairs := make([][2]string, 0, len(records))
	for _, r := range records {
		pairs = append(pairs, [2]string{r[0], r[1]})
	}

	return pairs, nil
}
