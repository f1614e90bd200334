package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zkqueue-go/internal/coord"
	"zkqueue-go/internal/metrics"
)

// claimer pops the oldest surviving item from the queue root. Contention
// with other consumers (the candidate vanished, or someone else deleted it
// first) is absorbed by refreshing the listing and trying the new oldest.
type claimer struct {
	client  coord.Client
	root    string
	codec   SequenceCodec
	timeout time.Duration
	logger  *slog.Logger

	// stopped reports a pause or shutdown. It is checked between iterations
	// and between the read and the delete, never during a call.
	stopped func() bool
}

// claim runs one claim pass. An empty candidate starts from a fresh listing.
// It returns false with a nil error when the queue is empty or the pass was
// stopped. Any error is a non-contention failure that ended the pass.
func (c *claimer) claim(candidate string) (Item, bool, error) {
	start := time.Now()
	item, result, err := c.pass(candidate)
	metrics.ClaimLatency.Observe(time.Since(start).Seconds())
	metrics.ClaimPassesTotal.WithLabelValues(c.root, result).Inc()
	if result == "claimed" {
		metrics.ItemsClaimedTotal.WithLabelValues(c.root).Inc()
	}
	return item, result == "claimed", err
}

func (c *claimer) pass(candidate string) (Item, string, error) {
	for {
		if c.stopped() {
			return Item{}, "stopped", nil
		}

		if candidate == "" {
			names, err := c.children()
			if err != nil {
				return Item{}, "error", fmt.Errorf("failed to list queue: %w", err)
			}
			sorted := c.codec.Sort(names)
			if len(sorted) == 0 {
				return Item{}, "empty", nil
			}
			candidate = sorted[0]
		}

		path := coord.Join(c.root, candidate)

		data, err := c.get(path)
		if err != nil {
			if coord.IsContention(err) {
				c.contended("read", candidate)
				candidate = ""
				continue
			}
			return Item{}, "error", fmt.Errorf("failed to read item %s: %w", candidate, err)
		}

		// The item stays claimable by others if we stop here.
		if c.stopped() {
			return Item{}, "stopped", nil
		}

		if err := c.delete(path); err != nil {
			if coord.IsContention(err) {
				c.contended("delete", candidate)
				candidate = ""
				continue
			}
			return Item{}, "error", fmt.Errorf("failed to delete item %s: %w", candidate, err)
		}

		seq, _ := c.codec.Parse(candidate)
		c.logger.Debug("item claimed", "item", candidate)
		return Item{Name: candidate, Seq: seq, Payload: data}, "claimed", nil
	}
}

func (c *claimer) contended(stage, candidate string) {
	c.logger.Debug("lost claim race", "item", candidate, "stage", stage)
	metrics.ClaimContentionTotal.WithLabelValues(c.root, stage).Inc()
}

func (c *claimer) children() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.client.Children(ctx, c.root)
}

func (c *claimer) get(path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.client.Get(ctx, path)
}

func (c *claimer) delete(path string) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.client.Delete(ctx, path)
}
