package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/sma-adp-enrollment/internal/models"
)

// PromotionPublisher fans promotion events out on a Redis pub/sub channel.
type PromotionPublisher struct {
	client  *redis.Client
	channel string
}

// NewPromotionPublisher constructs a publisher for channel.
func NewPromotionPublisher(client *redis.Client, channel string) *PromotionPublisher {
	return &PromotionPublisher{client: client, channel: channel}
}

// Publish sends one event.
func (p *PromotionPublisher) Publish(ctx context.Context, event models.PromotionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal promotion event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish promotion %s: %w", event.EnrollmentID, err)
	}
	return nil
}
