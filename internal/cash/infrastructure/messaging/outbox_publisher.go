package messaging

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/wyfcoding/brokerage/internal/cash/domain"
	"github.com/wyfcoding/brokerage/pkg/metrics"
	"github.com/wyfcoding/brokerage/pkg/mq"
)

// OutboxMessage 出入金事件发件箱
type OutboxMessage struct {
	ID        string    `gorm:"type:char(36);primary_key"`
	EventType string    `gorm:"type:varchar(100);index"`
	EventKey  string    `gorm:"type:varchar(128)"`
	Payload   string    `gorm:"type:text"`
	Status    string    `gorm:"type:varchar(20);index;default:'pending'"`
	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

func (OutboxMessage) TableName() string {
	return "cash_outbox_messages"
}

// OutboxEventPublisher 实现 domain.EventPublisher，使用 Outbox 模式
type OutboxEventPublisher struct {
	db *gorm.DB
}

func NewOutboxEventPublisher(db *gorm.DB) *OutboxEventPublisher {
	return &OutboxEventPublisher{db: db}
}

func (p *OutboxEventPublisher) PublishMovementCompleted(event domain.MovementEvent) error {
	eventType := domain.DepositCompletedEventType
	if event.Direction == string(domain.DirectionWithdrawal) {
		eventType = domain.WithdrawalCompletedEventType
	}
	return p.publishEvent(eventType, event.TransactionID, event)
}

func (p *OutboxEventPublisher) PublishMovementFailed(event domain.MovementEvent) error {
	return p.publishEvent(domain.MovementFailedEventType, event.TransactionID, event)
}

func (p *OutboxEventPublisher) PublishReconciliationFlagged(event domain.MovementEvent) error {
	return p.publishEvent(domain.ReconciliationFlaggedEventType, event.TransactionID, event)
}

func (p *OutboxEventPublisher) publishEvent(eventType, key string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	message := OutboxMessage{
		ID:        uuid.NewString(),
		EventType: eventType,
		EventKey:  key,
		Payload:   string(payload),
		Status:    "pending",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	return p.db.Create(&message).Error
}

// OutboxRelay 发件箱投递器
type OutboxRelay struct {
	db       *gorm.DB
	producer *mq.KafkaProducer
	topic    string
	interval time.Duration
	batch    int
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewOutboxRelay(db *gorm.DB, producer *mq.KafkaProducer, topic string, interval time.Duration, batch int, logger *slog.Logger, m *metrics.Metrics) *OutboxRelay {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &OutboxRelay{
		db:       db,
		producer: producer,
		topic:    topic,
		interval: interval,
		batch:    batch,
		logger:   logger,
		metrics:  m,
	}
}

// Run 阻塞运行直至 ctx 取消
func (r *OutboxRelay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.drain(ctx); err != nil {
				r.logger.ErrorContext(ctx, "cash outbox drain failed", "error", err)
			}
		}
	}
}

func (r *OutboxRelay) drain(ctx context.Context) error {
	var messages []OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", "pending").
		Order("created_at ASC").
		Limit(r.batch).
		Find(&messages).Error
	if err != nil {
		return err
	}
	for _, message := range messages {
		if err := r.producer.SendRaw(ctx, r.topic, message.EventKey, []byte(message.Payload)); err != nil {
			r.logger.WarnContext(ctx, "failed to relay cash event",
				"message_id", message.ID, "event_type", message.EventType, "error", err)
			continue
		}
		if err := r.db.WithContext(ctx).Model(&OutboxMessage{}).
			Where("id = ?", message.ID).
			Update("status", "sent").Error; err != nil {
			return err
		}
		if r.metrics != nil {
			r.metrics.OutboxPublishedTotal.Inc()
		}
	}
	return nil
}

// Cleanup 清理已投递的历史消息
func (r *OutboxRelay) Cleanup(ctx context.Context, before time.Time) error {
	return r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", "sent", before).
		Delete(&OutboxMessage{}).Error
}
