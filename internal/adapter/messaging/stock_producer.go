package messaging

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// StockEventProducer publishes committed stock changes keyed by product id, so
// the changes of one product stay ordered within a partition.
type StockEventProducer struct {
	writer messageWriter
}

func NewStockEventProducer(writer *kafka.Writer) *StockEventProducer {
	return &StockEventProducer{writer: writer}
}

func (p *StockEventProducer) PublishStockChanged(ctx context.Context, events []domain.StockChanged) error {
	if len(events) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(ev)
		if err != nil {
			return errors.Wrap(err, "encode stock event")
		}
		var headers headerCarrier
		otel.GetTextMapPropagator().Inject(ctx, &headers)
		msgs = append(msgs, kafka.Message{
			Key:     []byte(ev.ProductID),
			Value:   value,
			Headers: headers,
			Time:    ev.OccurredAt,
		})
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return errors.Wrapf(err, "write %d stock events", len(msgs))
	}
	return nil
}

func (p *StockEventProducer) Close() error {
	return p.writer.Close()
}
