package api

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"zkqueue-go/internal/ingest"
	"zkqueue-go/internal/queue"
)

// Headers set on items returned by GET /v1/items/next.
const (
	HeaderItemName = "X-Queue-Item"
	HeaderItemSeq  = "X-Queue-Seq"
)

// Limits for the wait query parameter.
const (
	defaultWait = 5 * time.Second
	maxWait     = time.Minute
)

// Puller hands out claimed items. *queue.Consumer implements it.
type Puller interface {
	Next(ctx context.Context) (queue.Item, error)
}

// ItemHandler handles HTTP requests for enqueueing and pulling items.
type ItemHandler struct {
	service  *ingest.Service
	consumer Puller
	logger   *slog.Logger
}

// NewItemHandler creates a new item handler. consumer may be nil when a
// relay sink owns the service's consumer; pulling is then refused.
func NewItemHandler(service *ingest.Service, consumer Puller, logger *slog.Logger) *ItemHandler {
	return &ItemHandler{
		service:  service,
		consumer: consumer,
		logger:   logger,
	}
}

// Enqueue handles POST /v1/items
// The request body is stored verbatim as the item payload.
// Returns 202 Accepted with the item name.
func (h *ItemHandler) Enqueue(c *fiber.Ctx) error {
	// The body buffer is reused by fasthttp after the handler returns.
	payload := append([]byte(nil), c.Body()...)

	name, err := h.service.Enqueue(c.UserContext(), "http", payload)
	switch {
	case errors.Is(err, ingest.ErrEmptyPayload):
		return ValidationError(c, "request body is empty")
	case errors.Is(err, ingest.ErrUnavailable):
		return Unavailable(c, "queue is not connected")
	case err != nil:
		h.logger.Error("failed to enqueue item", "error", err)
		return InternalError(c, "failed to enqueue item")
	}

	return Accepted(c, map[string]string{
		"item": name,
	})
}

// Next handles GET /v1/items/next?wait=5s
// Claims one item, waiting up to wait for it. Returns the raw payload with
// the item name in a header, or 204 when nothing arrived in time.
func (h *ItemHandler) Next(c *fiber.Ctx) error {
	if h.consumer == nil {
		return Conflict(c, "items are delivered to the relay sink")
	}

	wait := defaultWait
	if v := c.Query("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return BadRequest(c, "wait must be a non-negative duration")
		}
		wait = min(d, maxWait)
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), wait)
	defer cancel()

	item, err := h.consumer.Next(ctx)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NoContent(c)
	case errors.Is(err, queue.ErrClosed):
		return Unavailable(c, "consumer is closed")
	case err != nil:
		h.logger.Error("failed to pull item", "error", err)
		return InternalError(c, "failed to pull item")
	}

	h.logger.Debug("item pulled", "item", item.Name)

	c.Set(HeaderItemName, item.Name)
	c.Set(HeaderItemSeq, strconv.FormatUint(item.Seq, 10))
	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	return c.Send(item.Payload)
}
