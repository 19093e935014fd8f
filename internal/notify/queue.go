package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/rabbitmq/amqp091-go"

	"github.com/hackgods/rural-health-scheduling/internal/appointment"
)

// Publisher is the part of *amqp091.Channel the queue notifier needs.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// QueueNotifier publishes notifications to a RabbitMQ queue for the SMS and
// WhatsApp gateways to consume.
type QueueNotifier struct {
	pub   Publisher
	queue string
}

func NewQueueNotifier(pub Publisher, queue string) *QueueNotifier {
	return &QueueNotifier{pub: pub, queue: queue}
}

// DeclareQueue makes sure the durable queue exists before publishing.
func DeclareQueue(ch *amqp091.Channel, queue string) error {
	_, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return nil
}

type queueMessage struct {
	Kind           string  `json:"kind"`
	AppointmentID  int64   `json:"appointment_id"`
	Token          string  `json:"token"`
	VillagerID     string  `json:"villager_id"`
	HealthWorkerID *string `json:"health_worker_id,omitempty"`
	Date           string  `json:"date"`
	Time           string  `json:"time"`
	Status         string  `json:"status"`
	Urgency        string  `json:"urgency"`
	SentAt         string  `json:"sent_at"`
}

func (n *QueueNotifier) Notify(ctx context.Context, a *appointment.Appointment, kind appointment.NotificationKind) error {
	msg := queueMessage{
		Kind:          string(kind),
		AppointmentID: a.ID,
		Token:         a.Token.String(),
		VillagerID:    a.VillagerID.String(),
		Date:          a.Date.Format(time.DateOnly),
		Time:          a.Time.String(),
		Status:        string(a.Status),
		Urgency:       string(a.Urgency),
		SentAt:        time.Now().UTC().Format(time.RFC3339),
	}
	if a.HealthWorkerID != nil {
		hw := a.HealthWorkerID.String()
		msg.HealthWorkerID = &hw
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	err = n.pub.PublishWithContext(ctx, "", n.queue, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Body:         body,
		Headers: amqp091.Table{
			"message_type": "JSON",
			"kind":         string(kind),
		},
	})
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
