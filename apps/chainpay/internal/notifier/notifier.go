package notifier

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"

	"chainpay/apps/chainpay/internal/model"
)

// OrderStatusEvent is the message emitted when an order changes state.
type OrderStatusEvent struct {
	OrderID   int64     `json:"order_id"`
	Status    string    `json:"status"`
	TxHash    string    `json:"tx_hash,omitempty"`
	Currency  string    `json:"currency,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier delivers order status changes to downstream consumers. Delivery is
// best effort; payment state is already committed when this runs.
type Notifier interface {
	NotifyOrderStatus(orderID int64, status string, payment *model.Payment) error
}

type KafkaNotifier struct {
	logger   *zap.Logger
	producer *kafka.Producer
	topic    string
	mu       sync.Mutex
}

func NewKafkaNotifier(kafkaBroker, kafkaTopic string, logger *zap.Logger) (*KafkaNotifier, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": kafkaBroker,
		"acks":              "all",
		"retries":           3,
		"retry.backoff.ms":  100,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return &KafkaNotifier{
		logger:   logger,
		producer: producer,
		topic:    kafkaTopic,
	}, nil
}

func (n *KafkaNotifier) NotifyOrderStatus(orderID int64, status string, payment *model.Payment) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	event := OrderStatusEvent{
		OrderID:   orderID,
		Status:    status,
		Timestamp: time.Now(),
	}
	if payment != nil {
		event.TxHash = payment.TxHash
		event.Currency = payment.Currency
		event.Amount = payment.Amount.String()
	}

	msgBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode order event: %w", err)
	}

	deliveryChan := make(chan kafka.Event)
	defer close(deliveryChan)

	err = n.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &n.topic, Partition: kafka.PartitionAny},
		Key:            []byte(fmt.Sprintf("%d", orderID)), // partition by order for in-order consumption
		Value:          msgBytes,
	}, deliveryChan)
	if err != nil {
		return fmt.Errorf("failed to produce order event: %w", err)
	}

	e := <-deliveryChan
	switch ev := e.(type) {
	case *kafka.Message:
		if ev.TopicPartition.Error != nil {
			return ev.TopicPartition.Error
		}
	default:
		return fmt.Errorf("unexpected kafka event type: %T", e)
	}

	n.logger.Info("Published order status event",
		zap.Int64("order_id", orderID),
		zap.String("status", status))
	return nil
}

func (n *KafkaNotifier) Close() error {
	if n.producer != nil {
		n.producer.Close()
	}
	return nil
}
