package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/trogers1052/equity-oracle/internal/logging"
	"github.com/trogers1052/equity-oracle/internal/models"
	"go.uber.org/zap"
)

// ActionIngester reconciles announced corporate actions into the store
type ActionIngester interface {
	Ingest(ctx context.Context, symbol string, raws []models.RawCorporateAction) ([]*models.CorporateAction, error)
}

// Consumer handles consuming corporate action announcements from Kafka.
// Announcements are treated like one more corporate action source: they are
// merged with stored reports and never trusted as verified on their own.
type Consumer struct {
	reader   *kafka.Reader
	ingester ActionIngester
	logger   *zap.Logger
}

// NewConsumer creates a new Kafka consumer for corporate action events
func NewConsumer(brokers []string, topic, groupID string, ingester ActionIngester, logger *zap.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       10e3, // 10KB
		MaxBytes:       10e6, // 10MB
		MaxWait:        1 * time.Second,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: time.Second,
	})

	return &Consumer{
		reader:   reader,
		ingester: ingester,
		logger:   logging.OrNop(logger),
	}
}

// Start begins consuming messages from Kafka
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("starting kafka consumer", zap.String("topic", c.reader.Config().Topic))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("kafka consumer shutting down")
			return c.reader.Close()
		default:
			msg, err := c.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil // Context cancelled, normal shutdown
				}
				c.logger.Error("error reading message", zap.Error(err))
				continue
			}

			if err := c.processMessage(ctx, msg); err != nil {
				c.logger.Error("error processing message",
					zap.Int("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Error(err),
				)
				// Continue processing other messages
			}
		}
	}
}

// processMessage handles a single Kafka message
func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message) error {
	c.logger.Debug("received message",
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.String("key", string(msg.Key)),
	)

	var event models.CorporateActionEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal corporate action event: %w", err)
	}

	// Only process CORPORATE_ACTION_ANNOUNCED events
	if event.EventType != models.EventCorporateActionAnnounced {
		c.logger.Debug("ignoring event type", zap.String("event_type", event.EventType))
		return nil
	}

	bySymbol := groupBySymbol(event)
	for symbol, raws := range bySymbol {
		actions, err := c.ingester.Ingest(ctx, symbol, raws)
		if err != nil {
			return fmt.Errorf("failed to ingest corporate actions for %s: %w", symbol, err)
		}
		c.logger.Info("ingested corporate action announcement",
			zap.String("symbol", symbol),
			zap.String("event_id", event.EventID),
			zap.String("source", event.Source),
			zap.Int("received", len(raws)),
			zap.Int("stored", len(actions)),
		)
	}
	return nil
}

// groupBySymbol splits the event payload per symbol and strips any
// verification claims made by the sender.
func groupBySymbol(event models.CorporateActionEvent) map[string][]models.RawCorporateAction {
	out := make(map[string][]models.RawCorporateAction)
	for _, raw := range event.Data {
		symbol := strings.ToUpper(strings.TrimSpace(raw.Symbol))
		if symbol == "" {
			continue
		}
		raw.Symbol = symbol
		raw.ID = 0
		raw.Verified = false
		raw.ReportedBy = nil
		if raw.Source == "" {
			raw.Source = event.Source
		}
		out[symbol] = append(out[symbol], raw)
	}
	return out
}

// Close closes the Kafka consumer
func (c *Consumer) Close() error {
	return c.reader.Close()
}
