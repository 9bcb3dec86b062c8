package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/trogers1052/equity-oracle/internal/models"
)

// EventSource is stamped on every event this service publishes
const EventSource = "equity-oracle"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer handles publishing funding rate and recommendation events to Kafka
type Producer struct {
	writer              messageWriter
	fundingTopic        string
	recommendationTopic string
	now                 func() time.Time
}

// NewProducer creates a new Kafka producer. The topic is chosen per message.
func NewProducer(brokers []string, fundingTopic, recommendationTopic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
	}

	return &Producer{
		writer:              writer,
		fundingTopic:        fundingTopic,
		recommendationTopic: recommendationTopic,
		now:                 time.Now,
	}
}

// PublishFundingRate publishes a funding rate calculated event
func (p *Producer) PublishFundingRate(ctx context.Context, record *models.FundingRateRecord) error {
	event := models.FundingRateEvent{
		EventID:       uuid.NewString(),
		EventType:     models.EventFundingRateCalculated,
		Source:        EventSource,
		SchemaVersion: models.EventSchemaVersion,
		Symbol:        record.Symbol,
		Timestamp:     p.now().UTC(),
		Data:          record,
	}
	return p.publish(ctx, p.fundingTopic, record.Symbol, event)
}

// PublishRecommendation publishes a risk recommendation issued event
func (p *Producer) PublishRecommendation(ctx context.Context, r *models.RiskRecommendation) error {
	event := models.RecommendationEvent{
		EventID:       uuid.NewString(),
		EventType:     models.EventRecommendationIssued,
		Source:        EventSource,
		SchemaVersion: models.EventSchemaVersion,
		Symbol:        r.Symbol,
		Timestamp:     p.now().UTC(),
		Data:          r,
	}
	return p.publish(ctx, p.recommendationTopic, r.Symbol, event)
}

func (p *Producer) publish(ctx context.Context, topic, key string, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: data,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}

	return nil
}

// Close closes the Kafka producer
func (p *Producer) Close() error {
	return p.writer.Close()
}
