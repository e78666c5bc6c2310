// Package pubsub publishes per-call metrics events to a Google Pub/Sub
// topic for downstream billing and analytics consumers.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type PubSubConfig struct {
	ProjectID string
	TopicName string
	// PubID prefixes the message name attribute so subscription filters
	// can separate environments (e.g. "", "beta", "qa", "stage").
	PubID string
}

type PubSubService struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	config *PubSubConfig
}

// CallMetricsEvent models the per-call metrics payload published when a
// bridged call finishes.
type CallMetricsEvent struct {
	ID              string     `json:"id"`
	CallID          string     `json:"call_id"`
	Channel         string     `json:"channel"`
	Caller          string     `json:"caller"`
	BotName         string     `json:"bot_name,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
	TurnCount       int        `json:"turn_count"`
	FunctionCalls   int        `json:"function_calls"`
	TotalTokens     int        `json:"total_tokens,omitempty"`
	EndReasonCode   string     `json:"end_reason_code"`
	EndReason       string     `json:"end_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func NewPubSubService(ctx context.Context, cfg *PubSubConfig) (*PubSubService, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("PubSub project ID is required")
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create PubSub client: %w", err)
	}

	topic := client.Topic(cfg.TopicName)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check if topic exists: %w", err)
	}

	if !exists {
		logger.Base().Info("📢 Topic does not exist, creating", zap.String("topicname", cfg.TopicName))
		topic, err = client.CreateTopic(ctx, cfg.TopicName)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to create topic %s: %w", cfg.TopicName, err)
		}
		logger.Base().Info("Topic created successfully", zap.String("topicname", cfg.TopicName))
	}

	return &PubSubService{
		client: client,
		topic:  topic,
		config: cfg,
	}, nil
}

// PublishCallMetricsEvent publishes aggregated metrics for one finished call
func (p *PubSubService) PublishCallMetricsEvent(ctx context.Context, metrics CallMetricsEvent) error {
	if metrics.ID == "" {
		metrics.ID = uuid.New().String()
	}
	if metrics.CreatedAt.IsZero() {
		metrics.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal call metrics event: %w", err)
	}

	taskID := uuid.New().String()

	namePrefix := p.config.PubID
	if namePrefix != "" {
		namePrefix += ":"
	}

	message := &pubsub.Message{
		Attributes: map[string]string{
			"name": fmt.Sprintf("%scall:metrics:%s", namePrefix, taskID),
		},
		Data: data,
	}

	result := p.topic.Publish(ctx, message)
	if _, err := result.Get(ctx); err != nil {
		logger.Base().Error("Failed to publish call metrics",
			zap.String("call_id", metrics.CallID),
			zap.String("task_id", taskID),
			zap.Error(err))
		return fmt.Errorf("failed to publish call metrics message: %w", err)
	}

	logger.Base().Info("Published call metrics",
		zap.String("id", metrics.ID),
		zap.String("call_id", metrics.CallID),
		zap.String("channel", metrics.Channel),
		zap.Int("duration_seconds", metrics.DurationSeconds),
		zap.String("task_id", taskID))

	return nil
}

func (p *PubSubService) Close() error {
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
