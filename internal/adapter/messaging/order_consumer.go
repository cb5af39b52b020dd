package messaging

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/stock-ledger/internal/adapter/marketplace"
	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/logger"
)

const orderEventSource = "kafka"

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// OrderEventConsumer reads order snapshots from the orders topic and hands them
// to the reconciler. It never touches stock itself.
type OrderEventConsumer struct {
	reader messageReader
	out    chan<- domain.OrderEvent
	tracer trace.Tracer
	retry  time.Duration
}

func NewOrderEventConsumer(reader *kafka.Reader, out chan<- domain.OrderEvent) *OrderEventConsumer {
	return newOrderEventConsumer(reader, out)
}

func newOrderEventConsumer(reader messageReader, out chan<- domain.OrderEvent) *OrderEventConsumer {
	return &OrderEventConsumer{
		reader: reader,
		out:    out,
		tracer: otel.Tracer("stock-ledger/messaging"),
		retry:  time.Second,
	}
}

// Run consumes until ctx is cancelled. Offsets are committed only after the
// event was handed over, so an interrupted enqueue is redelivered.
func (c *OrderEventConsumer) Run(ctx context.Context) error {
	log := logger.Ctx(ctx)
	log.Info().Msg("order event consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("order event consumer shutting down")
				return nil
			}
			log.Error().Err(err).Msg("could not read message, retrying")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.retry):
			}
			continue
		}

		if !c.handle(ctx, msg) {
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Int64("offset", msg.Offset).Msg("failed to commit message")
		}
	}
}

// handle returns false when ctx ended before the event could be enqueued.
func (c *OrderEventConsumer) handle(ctx context.Context, msg kafka.Message) bool {
	carrier := headerCarrier(msg.Headers)
	mctx := otel.GetTextMapPropagator().Extract(ctx, &carrier)
	mctx, span := c.tracer.Start(mctx, "orders.consume", trace.WithAttributes(
		attribute.String("messaging.topic", msg.Topic),
		attribute.Int64("messaging.offset", msg.Offset),
	))
	defer span.End()

	ev, err := decodeOrderMessage(msg.Value)
	if err != nil {
		// unreadable messages are logged and committed so they do not block the partition
		logger.Ctx(mctx).Error().Err(err).Str("topic", msg.Topic).Int("partition", msg.Partition).
			Int64("offset", msg.Offset).Bytes("value", msg.Value).Msg("dropping undecodable order message")
		span.RecordError(err)
		return true
	}
	ev.ReceivedAt = msg.Time

	select {
	case c.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *OrderEventConsumer) Close() error {
	return c.reader.Close()
}

func decodeOrderMessage(value []byte) (domain.OrderEvent, error) {
	payload, err := marketplace.DecodeOrder(value)
	if err != nil {
		return domain.OrderEvent{}, err
	}
	order, err := payload.ToOrder()
	if err != nil {
		return domain.OrderEvent{}, errors.Wrap(err, "map order message")
	}
	return domain.OrderEvent{Order: order, Source: orderEventSource}, nil
}
