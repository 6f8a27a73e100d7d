package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"tg-mailing-bot/internal/domain"
	"tg-mailing-bot/internal/infra/metrics"
)

// RabbitCommandQueue реализует очередь команд через AMQP с ручным подтверждением.
type RabbitCommandQueue struct {
	url     string
	conn    *amqp.Connection
	publish *amqp.Channel
	consume *amqp.Channel
	queue   string
	log     zerolog.Logger

	pubMu      sync.Mutex
	consumeMu  sync.Mutex
	deliveries <-chan amqp.Delivery
}

var _ domain.CommandQueue = (*RabbitCommandQueue)(nil)

// NewRabbitCommandQueue подключается к брокеру и объявляет durable-очередь.
func NewRabbitCommandQueue(amqpURL, queue string, log zerolog.Logger) (*RabbitCommandQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	start := time.Now()
	conn, err := amqp.Dial(amqpURL)
	metrics.ObserveNetworkRequest("rabbitmq", "dial", queue, start, err)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	q := &RabbitCommandQueue{url: amqpURL, conn: conn, queue: queue, log: log}
	if q.publish, err = conn.Channel(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	if q.consume, err = conn.Channel(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open consume channel: %w", err)
	}
	if _, err := q.publish.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := q.consume.Qos(1, 0, false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return q, nil
}

// Enqueue публикует команду как persistent-сообщение.
func (q *RabbitCommandQueue) Enqueue(ctx context.Context, cmd domain.Command) error {
	payload, err := encodeCommand(&cmd)
	if err != nil {
		return err
	}
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	start := time.Now()
	err = q.publish.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    cmd.ID,
		Timestamp:    cmd.RequestedAt,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish command: %w", err)
	}
	return nil
}

// subscribe возвращает текущий поток доставок. Закрытый канал или соединение
// открываются заново.
func (q *RabbitCommandQueue) subscribe() (<-chan amqp.Delivery, error) {
	q.consumeMu.Lock()
	defer q.consumeMu.Unlock()
	if q.deliveries != nil {
		return q.deliveries, nil
	}
	if err := q.reopenConsumer(); err != nil {
		return nil, err
	}
	start := time.Now()
	deliveries, err := q.consume.Consume(q.queue, "", false, false, false, false, nil)
	metrics.ObserveNetworkRequest("rabbitmq", "consume", q.queue, start, err)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	q.deliveries = deliveries
	return deliveries, nil
}

// reopenConsumer восстанавливает соединение и канал чтения после обрыва.
func (q *RabbitCommandQueue) reopenConsumer() error {
	if q.conn.IsClosed() {
		q.pubMu.Lock()
		defer q.pubMu.Unlock()
		start := time.Now()
		conn, err := amqp.Dial(q.url)
		metrics.ObserveNetworkRequest("rabbitmq", "dial", q.queue, start, err)
		if err != nil {
			return fmt.Errorf("redial rabbitmq: %w", err)
		}
		publish, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return fmt.Errorf("open publish channel: %w", err)
		}
		q.conn, q.publish, q.consume = conn, publish, nil
		q.log.Warn().Str("queue", q.queue).Msg("queue: соединение с rabbitmq восстановлено")
	}
	if q.consume != nil && !q.consume.IsClosed() {
		return nil
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	if _, err := ch.QueueDeclare(q.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("set qos: %w", err)
	}
	q.consume = ch
	return nil
}

// dropDeliveries забывает закрывшийся поток, чтобы следующий Receive подписался заново.
func (q *RabbitCommandQueue) dropDeliveries(closed <-chan amqp.Delivery) {
	q.consumeMu.Lock()
	defer q.consumeMu.Unlock()
	if q.deliveries == closed {
		q.deliveries = nil
	}
}

// Receive ждёт следующую команду.
func (q *RabbitCommandQueue) Receive(ctx context.Context) (domain.Command, domain.AckFunc, error) {
	deliveries, err := q.subscribe()
	if err != nil {
		return domain.Command{}, nil, err
	}
	for {
		select {
		case <-ctx.Done():
			return domain.Command{}, nil, ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				q.dropDeliveries(deliveries)
				return domain.Command{}, nil, errors.New("rabbitmq: канал доставки закрыт")
			}
			cmd, err := decodeCommand(d.Body)
			if err != nil {
				q.log.Error().Err(err).Str("message_id", d.MessageId).Msg("queue: команда отброшена")
				_ = d.Reject(false)
				continue
			}
			return cmd, func(success bool) error {
				if success {
					return d.Ack(false)
				}
				return d.Nack(false, true)
			}, nil
		}
	}
}

// Close закрывает каналы и соединение.
func (q *RabbitCommandQueue) Close() error {
	var errs []error
	if q.consume != nil {
		errs = append(errs, q.consume.Close())
	}
	if q.publish != nil {
		errs = append(errs, q.publish.Close())
	}
	errs = append(errs, q.conn.Close())
	return errors.Join(errs...)
}
