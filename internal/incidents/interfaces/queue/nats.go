package queue

import (
	"context"
	"errors"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const sourceNATS = "nats"

// QueueSubscriber is the subset of *nats.Conn the listener uses.
type QueueSubscriber interface {
	QueueSubscribe(subject, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// NATSListener consumes report messages from a NATS subject in a queue group.
type NATSListener struct {
	conn    QueueSubscriber
	subject string
	queue   string
	handler *Handler
	logger  *zap.Logger
}

// NewNATSListener constructs a listener.
func NewNATSListener(conn QueueSubscriber, subject, queue string, handler *Handler, logger *zap.Logger) (*NATSListener, error) {
	if conn == nil {
		return nil, errors.New("queue: nil nats connection")
	}
	if subject == "" {
		return nil, errors.New("queue: empty nats subject")
	}
	if handler == nil {
		return nil, errors.New("queue: nil handler")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSListener{conn: conn, subject: subject, queue: queue, handler: handler, logger: logger}, nil
}

// Run subscribes and blocks until ctx is cancelled, then drains the subscription.
func (l *NATSListener) Run(ctx context.Context) error {
	sub, err := l.conn.QueueSubscribe(l.subject, l.queue, func(msg *nats.Msg) {
		l.handle(ctx, msg)
	})
	if err != nil {
		return err
	}
	l.logger.Info("nats listener started", zap.String("subject", l.subject), zap.String("queue", l.queue))
	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		l.logger.Warn("nats drain failed", zap.Error(err))
	}
	return nil
}

func (l *NATSListener) handle(ctx context.Context, msg *nats.Msg) {
	if msg == nil {
		return
	}
	if err := l.handler.Handle(ctx, sourceNATS, msg.Data); err != nil {
		l.logger.Error("nats report failed", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if msg.Reply != "" {
		_ = msg.Respond([]byte("ok"))
	}
}
