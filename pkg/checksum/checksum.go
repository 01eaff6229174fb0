// Package checksum verifies staged data files against the multihash
// declared in their STAC asset.
package checksum

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/ethpandaops/geostore/pkg/storage"
	"github.com/ethpandaops/geostore/pkg/store"
	"github.com/ethpandaops/geostore/pkg/validation"
	"github.com/multiformats/go-multihash"
	"github.com/sirupsen/logrus"
)

// chunkSize is the read size used while hashing.
const chunkSize = 1024

var (
	// ErrFileNotFound is returned when the data file is missing from both
	// staging and the canonical bucket.
	ErrFileNotFound = errors.New("data file not found")

	// ErrUnknownClientError is returned for object store errors that are
	// neither not-found nor transient.
	ErrUnknownClientError = errors.New("unknown client error")

	// ErrMissingRow is returned when no processing-asset row exists for the
	// requested index.
	ErrMissingRow = errors.New("processing asset row not found")
)

// Input locates one data file of a run.
type Input struct {
	DatasetID        string
	VersionID        string
	CurrentVersionID string
	DatasetTitle     string
	DatasetPrefix    string
	S3RoleARN        string
	FirstItem        int
	Offset           int
}

// Index returns the data item index the input refers to.
func (in Input) Index() int {
	return in.FirstItem + in.Offset
}

// Verifier checks data file checksums.
type Verifier struct {
	log             logrus.FieldLogger
	store           store.Store
	provider        storage.Provider
	canonicalBucket string
}

// NewVerifier creates a new Verifier.
func NewVerifier(
	log logrus.FieldLogger,
	st store.Store,
	provider storage.Provider,
	canonicalBucket string,
) *Verifier {
	return &Verifier{
		log:             log.WithField("component", "checksum"),
		store:           st,
		provider:        provider,
		canonicalBucket: canonicalBucket,
	}
}

// Verify hashes one data file and records the CHECKSUM result. A mismatch
// is a recorded failure, not an error.
func (v *Verifier) Verify(ctx context.Context, in Input) error {
	runKey := store.RunKey(in.DatasetID, in.VersionID)
	index := in.Index()

	log := v.log.WithFields(logrus.Fields{
		"run_key": runKey,
		"index":   index,
	})

	row, err := v.store.GetProcessingAsset(ctx, runKey, store.KindData, index)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.WithError(err).Error("No processing asset row for index")

			return fmt.Errorf("%w: %s %d", ErrMissingRow, runKey, index)
		}

		return err
	}

	recorder := validation.NewRecorder(v.log, v.store, runKey)
	log = log.WithField("url", row.URL)

	if row.Multihash == nil || *row.Multihash == "" {
		return recorder.Fail(ctx, row.URL, validation.CheckChecksum, "No file:checksum declared for asset")
	}

	expected := *row.Multihash

	decoded, err := decode(expected)
	if err != nil {
		return recorder.Fail(ctx, row.URL, validation.CheckChecksum, err.Error())
	}

	reader := storage.NewURLReader(v.log, v.provider, v.canonicalBucket, in.S3RoleARN, storage.Fallback{
		DatasetTitle:     in.DatasetTitle,
		DatasetPrefix:    in.DatasetPrefix,
		CurrentVersionID: in.CurrentVersionID,
	})

	body, wasInStaging, err := reader.Read(ctx, row.URL)
	if err != nil {
		return v.readFailure(ctx, recorder, row.URL, err)
	}

	actual, err := hashBody(body, decoded)
	_ = body.Close()

	if err != nil {
		return fmt.Errorf("hashing %s: %w", row.URL, err)
	}

	if !bytes.Equal(actual, decoded.Digest) {
		got, err := multihash.Encode(actual, decoded.Code)
		if err != nil {
			return fmt.Errorf("encoding multihash: %w", err)
		}

		log.Warn("Checksum mismatch")

		return recorder.Fail(ctx, row.URL, validation.CheckChecksum,
			fmt.Sprintf("Checksum mismatch: expected %s, got %s", expected, hex.EncodeToString(got)))
	}

	if err := recorder.Pass(ctx, row.URL, validation.CheckChecksum); err != nil {
		return err
	}

	if err := v.store.SetExistsInStaging(ctx, runKey, row.SK, wasInStaging); err != nil {
		return err
	}

	return nil
}

func (v *Verifier) readFailure(
	ctx context.Context, recorder *validation.Recorder, url string, err error,
) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if recErr := recorder.Fail(ctx, url, validation.CheckFileNotFound, err.Error()); recErr != nil {
			return recErr
		}

		return fmt.Errorf("%w: %s", ErrFileNotFound, url)
	case errors.Is(err, storage.ErrAccessDenied),
		errors.Is(err, storage.ErrAssumeRole),
		storage.IsClientError(err):
		if recErr := recorder.Fail(ctx, url, validation.CheckUnknownClientError, err.Error()); recErr != nil {
			return recErr
		}

		return fmt.Errorf("%w: %s", ErrUnknownClientError, url)
	default:
		return fmt.Errorf("reading %s: %w", url, err)
	}
}

// decode parses a hex multihash and checks its hash function is supported.
func decode(hexMultihash string) (*multihash.DecodedMultihash, error) {
	mh, err := multihash.FromHexString(hexMultihash)
	if err != nil {
		return nil, fmt.Errorf("invalid multihash %q: %w", hexMultihash, err)
	}

	decoded, err := multihash.Decode(mh)
	if err != nil {
		return nil, fmt.Errorf("invalid multihash %q: %w", hexMultihash, err)
	}

	if _, err := multihash.GetHasher(decoded.Code); err != nil {
		return nil, fmt.Errorf("unsupported hash function 0x%x: %w", decoded.Code, err)
	}

	return decoded, nil
}

// hashBody streams body through the hash function of decoded in small
// chunks and returns a digest of the declared length.
func hashBody(body io.Reader, decoded *multihash.DecodedMultihash) ([]byte, error) {
	h, err := multihash.GetHasher(decoded.Code)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, chunkSize)

	for {
		n, err := body.Read(buf)
		if n > 0 {
			_, _ = h.Write(buf[:n])
		}

		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, err
		}
	}

	sum := h.Sum(nil)
	if decoded.Length > 0 && decoded.Length < len(sum) {
		sum = sum[:decoded.Length]
	}

	return sum, nil
}
