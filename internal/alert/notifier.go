package alert

import (
	"context"
	"encoding/json"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"brewline/backend/internal/domain"
)

type LogNotifier struct {
	logger logrus.FieldLogger
}

func NewLogNotifier(logger logrus.FieldLogger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, alert domain.StockAlert) error {
	n.logger.WithFields(logrus.Fields{
		"alert_id":         alert.ID,
		"branch_id":        alert.BranchID,
		"raw_material_id":  alert.RawMaterialID,
		"alert_type":       alert.AlertType,
		"current_quantity": alert.CurrentQuantity,
		"threshold":        alert.Threshold,
	}).Warn("stock alert raised")
	return nil
}

// RedisNotifier publishes each new alert as JSON on a Pub/Sub channel for
// dashboards and delivery workers.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) Notify(ctx context.Context, alert domain.StockAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish alert %s: %w", alert.ID, err)
	}
	return nil
}
