// Package ids generates dataset and version identifiers.
package ids

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// versionTimeLayout renders the millisecond ULID timestamp so that version
// ids sort chronologically and are safe as a path component.
const versionTimeLayout = "2006-01-02T15-04-05"

var (
	entropyMu   sync.Mutex
	entropyOnce sync.Once
	entropy     *ulid.MonotonicEntropy
)

func newEntropy() *ulid.MonotonicEntropy {
	entropyOnce.Do(func() {
		source := rand.NewSource(time.Now().UnixNano())
		entropy = ulid.Monotonic(rand.New(source), 0) //nolint:gosec // ids are not secrets
	})

	return entropy
}

func newULID(t time.Time) ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(t), newEntropy())
}

// New returns a 26 character ULID.
func New() string {
	return newULID(time.Now()).String()
}

// NewDatasetID returns a new dataset id.
func NewDatasetID() string {
	return New()
}

// IsDatasetID reports whether value is a valid dataset id.
func IsDatasetID(value string) bool {
	if len(value) != ulid.EncodedSize {
		return false
	}

	_, err := ulid.ParseStrict(value)

	return err == nil
}

// NewVersionID returns a version id for the current time.
func NewVersionID() string {
	return VersionIDAt(time.Now())
}

// VersionIDAt returns a version id of the form
// YYYY-MM-DDTHH-MM-SS-mmmZ_{16 crockford base32 chars}.
func VersionIDAt(t time.Time) string {
	id := newULID(t)

	return FormatVersionID(id)
}

// FormatVersionID renders an existing ULID as a version id. The random
// part of the ULID becomes the suffix.
func FormatVersionID(id ulid.ULID) string {
	ts := ulid.Time(id.Time()).UTC()

	return fmt.Sprintf(
		"%s-%03dZ_%s",
		ts.Format(versionTimeLayout), ts.Nanosecond()/int(time.Millisecond), id.String()[10:],
	)
}

// VersionTime extracts the embedded timestamp from a version id.
func VersionTime(versionID string) (time.Time, error) {
	stamp, _, ok := strings.Cut(versionID, "Z_")
	if !ok || len(stamp) != len(versionTimeLayout)+4 {
		return time.Time{}, fmt.Errorf("malformed version id %q", versionID)
	}

	t, err := time.Parse(versionTimeLayout, stamp[:len(versionTimeLayout)])
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing version id %q: %w", versionID, err)
	}

	var ms int
	if _, err := fmt.Sscanf(stamp[len(versionTimeLayout):], "-%03d", &ms); err != nil {
		return time.Time{}, fmt.Errorf("parsing milliseconds of %q: %w", versionID, err)
	}

	return t.Add(time.Duration(ms) * time.Millisecond).UTC(), nil
}
