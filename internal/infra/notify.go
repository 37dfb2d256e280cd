package infra

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-verdict-kernel/internal/telemetry"
)

const publishTimeout = 2 * time.Second

// RotationPublisher рассылает key_id нового текущего ключа в RedisChanKeyRotated.
// Верификаторы вне ядра по сигналу перечитывают /v1/keys/current.
type RotationPublisher struct {
	telemetry.Nop
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRotationPublisher(rdb *redis.Client, logger *zap.Logger) *RotationPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RotationPublisher{rdb: rdb, logger: logger.With(zap.String("mod", "rotation_publisher"))}
}

func (p *RotationPublisher) KeyringChanged(currentKeyID string, _ int) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := p.rdb.Publish(ctx, RedisChanKeyRotated, currentKeyID).Err(); err != nil {
		// Ротация уже состоялась, сигнал не критичен
		p.logger.Warn("failed to publish key rotation", zap.String("key_id", currentKeyID), zap.Error(err))
	}
}
