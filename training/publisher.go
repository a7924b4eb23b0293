// Package training hands embedding training jobs to the trainer service
package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/richinsley/charimage/generation"
	"go.uber.org/zap"
)

var (
	_ generation.EmbeddingTrainer = (*Publisher)(nil)
	_ generation.EmbeddingTrainer = Noop{}
)

const publishAttempts = 3

// Task is the message consumed by the trainer
type Task struct {
	TaskID        string    `json:"task_id"`
	CharacterID   string    `json:"character_id"`
	CharacterName string    `json:"character_name"`
	CreatorID     string    `json:"creator_id"`
	SourceURLs    []string  `json:"source_urls"`
	RequestedAt   time.Time `json:"requested_at"`
}

// channel is the part of *amqp.Channel the publisher uses
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher queues training tasks on a durable RabbitMQ queue
type Publisher struct {
	channel   channel
	queueName string
	logger    *zap.Logger
}

// NewPublisher opens a channel on conn and declares the task queue
func NewPublisher(conn *amqp.Connection, queueName string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("training publisher: failed to open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("training publisher: failed to declare queue '%s': %w", queueName, err)
	}
	logger.Info("Training queue declared", zap.String("queue", queueName))
	return newPublisher(ch, queueName, logger), nil
}

func newPublisher(ch channel, queueName string, logger *zap.Logger) *Publisher {
	return &Publisher{
		channel:   ch,
		queueName: queueName,
		logger:    logger.Named("training"),
	}
}

func (p *Publisher) TriggerTraining(ctx context.Context, profile *generation.CharacterProfile) error {
	task := Task{
		TaskID:        uuid.NewString(),
		CharacterID:   profile.ID,
		CharacterName: profile.Name,
		CreatorID:     profile.CreatorID,
		SourceURLs:    profile.Corpus.SourceURLs,
		RequestedAt:   time.Now().UTC(),
	}
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("serializing training task for character %s: %w", profile.ID, err)
	}

	if err := p.publish(ctx, body); err != nil {
		p.logger.Error("Failed to publish training task",
			zap.String("task_id", task.TaskID),
			zap.String("character_id", task.CharacterID),
			zap.Error(err))
		return fmt.Errorf("publishing training task for character %s: %w", profile.ID, err)
	}
	p.logger.Info("Training task published",
		zap.String("task_id", task.TaskID),
		zap.String("character_id", task.CharacterID),
		zap.Int("sources", len(task.SourceURLs)))
	return nil
}

func (p *Publisher) publish(ctx context.Context, body []byte) error {
	if p.channel == nil {
		return errors.New("rabbitmq channel is not initialized")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var err error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		err = p.channel.PublishWithContext(ctx, "", p.queueName, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
			AppId:        "charimage",
		})
		if err == nil {
			return nil
		}
		p.logger.Warn("Publish attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt < publishAttempts {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
	}
	return fmt.Errorf("queue %s after %d attempts: %w", p.queueName, publishAttempts, err)
}

func (p *Publisher) Close() error {
	return p.channel.Close()
}

// Noop logs training requests without sending them anywhere
type Noop struct {
	Logger *zap.Logger
}

func (n Noop) TriggerTraining(ctx context.Context, profile *generation.CharacterProfile) error {
	if n.Logger != nil {
		n.Logger.Info("Embedding training requested but no trainer is configured",
			zap.String("character_id", profile.ID))
	}
	return nil
}
