package notify

import (
	"net"
	"strconv"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/hackgods/rural-health-scheduling/internal/config"
)

// FromConfig always logs notifications and adds email and queue delivery
// when they are configured. A broker that cannot be reached disables queue
// delivery instead of failing startup. The returned func releases broker
// resources.
func FromConfig(cfg config.Config, dir AccountDirectory, log *zap.Logger) (Multi, func()) {
	notifiers := Multi{LogNotifier{Log: log}}
	closeFn := func() {}

	if cfg.SMTPHost != "" {
		dialer := NewSMTPDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword)
		notifiers = append(notifiers, NewEmailNotifier(dialer, cfg.MailFrom, NewCachedDirectory(dir, 5*time.Minute)))
		log.Info("email notifications enabled", zap.String("smtp", net.JoinHostPort(cfg.SMTPHost, strconv.Itoa(cfg.SMTPPort))))
	}

	if cfg.AMQPURL == "" {
		return notifiers, closeFn
	}

	conn, err := amqp091.Dial(cfg.AMQPURL)
	if err != nil {
		log.Warn("rabbitmq unavailable, queue notifications disabled", zap.Error(err))
		return notifiers, closeFn
	}
	ch, err := conn.Channel()
	if err == nil {
		err = DeclareQueue(ch, cfg.NotifyQueue)
	}
	if err != nil {
		log.Warn("rabbitmq channel setup failed, queue notifications disabled", zap.Error(err))
		_ = conn.Close()
		return notifiers, closeFn
	}

	notifiers = append(notifiers, NewQueueNotifier(ch, cfg.NotifyQueue))
	log.Info("queue notifications enabled", zap.String("queue", cfg.NotifyQueue))

	return notifiers, func() {
		_ = ch.Close()
		_ = conn.Close()
	}
}
