package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-adp-enrollment/internal/models"
)

type promotionPublisher interface {
	Publish(ctx context.Context, event models.PromotionEvent) error
}

// PromotionNotifier tells promoted requesters about their new seat. Without a
// publisher it only logs.
type PromotionNotifier struct {
	publisher promotionPublisher
	logger    *zap.Logger
}

// NewPromotionNotifier constructs the notifier; publisher may be nil.
func NewPromotionNotifier(publisher promotionPublisher, logger *zap.Logger) *PromotionNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PromotionNotifier{publisher: publisher, logger: logger}
}

// NotifyPromoted delivers one event. Delivery failures are logged, never returned.
func (n *PromotionNotifier) NotifyPromoted(ctx context.Context, event models.PromotionEvent) {
	n.logger.Sugar().Infow("waitlisted enrollment promoted",
		"enrollment_id", event.EnrollmentID,
		"requester_id", event.RequesterID,
		"course_id", event.CourseID,
	)
	if n.publisher == nil {
		return
	}
	if err := n.publisher.Publish(ctx, event); err != nil {
		n.logger.Sugar().Warnw("failed to publish promotion", "enrollment_id", event.EnrollmentID, "error", err)
	}
}
