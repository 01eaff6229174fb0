// Package iteration splits a run's data files into batches for the checksum
// verifier.
package iteration

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethpandaops/geostore/pkg/store"
)

// MaxIterationSize caps the number of data files per batch.
const MaxIterationSize = 10000

// LastBatch is the next-item sentinel of the final batch.
const LastBatch = -1

// ErrInvalidNextItem is returned when a previous batch's next item is not a
// positive multiple of MaxIterationSize.
var ErrInvalidNextItem = errors.New("invalid next item")

// Content describes one batch. FirstItem is a decimal string.
type Content struct {
	FirstItem     string `json:"first_item" mapstructure:"first_item"`
	IterationSize int    `json:"iteration_size" mapstructure:"iteration_size"`
	NextItem      int    `json:"next_item" mapstructure:"next_item"`
}

// First returns FirstItem as an int.
func (c *Content) First() (int, error) {
	first, err := strconv.Atoi(c.FirstItem)
	if err != nil {
		return 0, fmt.Errorf("parsing first item %q: %w", c.FirstItem, err)
	}

	return first, nil
}

// Done reports whether c is the final batch.
func (c *Content) Done() bool {
	return c.NextItem == LastBatch
}

// Counter counts processing-asset rows of a kind.
type Counter interface {
	CountProcessingAssets(ctx context.Context, runKey, kind string) (int, error)
}

// Next plans the batch following previous, or the first batch when
// previous is nil.
func Next(ctx context.Context, counter Counter, runKey string, previous *Content) (*Content, error) {
	first := 0

	if previous != nil {
		if previous.NextItem <= 0 || previous.NextItem%MaxIterationSize != 0 {
			return nil, fmt.Errorf("%w: %d", ErrInvalidNextItem, previous.NextItem)
		}

		first = previous.NextItem
	}

	count, err := counter.CountProcessingAssets(ctx, runKey, store.KindData)
	if err != nil {
		return nil, fmt.Errorf("counting data files: %w", err)
	}

	return plan(first, count), nil
}

func plan(first, count int) *Content {
	remaining := count - first

	if remaining > MaxIterationSize {
		return &Content{
			FirstItem:     strconv.Itoa(first),
			IterationSize: MaxIterationSize,
			NextItem:      first + MaxIterationSize,
		}
	}

	if remaining < 0 {
		remaining = 0
	}

	return &Content{
		FirstItem:     strconv.Itoa(first),
		IterationSize: remaining,
		NextItem:      LastBatch,
	}
}
