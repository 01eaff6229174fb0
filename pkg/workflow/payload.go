package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/ethpandaops/geostore/pkg/importer"
	"github.com/ethpandaops/geostore/pkg/iteration"
	"github.com/ethpandaops/geostore/pkg/store"
	"github.com/ethpandaops/geostore/pkg/validation"
	"github.com/mitchellh/mapstructure"
)

// Input starts an execution.
type Input struct {
	DatasetID        string
	DatasetTitle     string
	DatasetPrefix    string
	VersionID        string
	CurrentVersionID string
	MetadataURL      string
	S3RoleARN        string
}

// Payload is the state carried between workflow states. Task outputs are
// merged under Content, Validation and ImportDataset.
type Payload struct {
	DatasetID        string `json:"dataset_id" mapstructure:"dataset_id"`
	DatasetTitle     string `json:"dataset_title" mapstructure:"dataset_title"`
	DatasetPrefix    string `json:"dataset_prefix" mapstructure:"dataset_prefix"`
	VersionID        string `json:"version_id" mapstructure:"version_id"`
	CurrentVersionID string `json:"current_version_id" mapstructure:"current_version_id"`
	MetadataURL      string `json:"metadata_url" mapstructure:"metadata_url"`
	S3RoleARN        string `json:"s3_role_arn" mapstructure:"s3_role_arn"`

	Content       *iteration.Content  `json:"content,omitempty" mapstructure:"content"`
	Validation    *validation.Summary `json:"validation,omitempty" mapstructure:"validation"`
	ImportDataset *importer.Output    `json:"import_dataset,omitempty" mapstructure:"import_dataset"`
}

func newPayload(in Input) *Payload {
	return &Payload{
		DatasetID:        in.DatasetID,
		DatasetTitle:     in.DatasetTitle,
		DatasetPrefix:    in.DatasetPrefix,
		VersionID:        in.VersionID,
		CurrentVersionID: in.CurrentVersionID,
		MetadataURL:      in.MetadataURL,
		S3RoleARN:        in.S3RoleARN,
	}
}

// RunKey returns the run key of the payload.
func (p *Payload) RunKey() string {
	return store.RunKey(p.DatasetID, p.VersionID)
}

// ToMap renders the payload as a JSON object.
func (p *Payload) ToMap() (map[string]any, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}

	return m, nil
}

// DecodePayload decodes a stored payload. Numbers may arrive as float64.
func DecodePayload(m map[string]any) (*Payload, error) {
	var p Payload

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &p,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating payload decoder: %w", err)
	}

	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}

	return &p, nil
}

// ExecutionARN returns the execution ARN of a run.
func ExecutionARN(datasetID, versionID string) string {
	return "arn:geostore:execution:" + datasetID + ":" + versionID
}
