package bus

import (
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// natsPubSub adapts a NATS connection to the PubSub interface. Gateway
// topics use '/' separators; NATS subjects use '.', so topics are
// mapped symmetrically in both directions.
type natsPubSub struct {
	nc     *nats.Conn
	logger *logrus.Logger
}

// ConnectNATS opens a bus connection to the given NATS URL.
func ConnectNATS(url string, logger *logrus.Logger) (PubSub, error) {
	if logger == nil {
		logger = logrus.New()
	}
	nc, err := nats.Connect(url,
		nats.Name("blegate"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.WithError(err).Warn("Bus connection lost, reconnecting")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("Bus connection restored")
		}),
	)
	if err != nil {
		return nil, err
	}
	return &natsPubSub{nc: nc, logger: logger}, nil
}

func (p *natsPubSub) Publish(topic string, payload []byte) error {
	return p.nc.Publish(subjectFromTopic(topic), payload)
}

func (p *natsPubSub) Subscribe(topic string, h Handler) (Subscription, error) {
	sub, err := p.nc.Subscribe(subjectFromTopic(topic), func(m *nats.Msg) {
		h(topicFromSubject(m.Subject), m.Data)
	})
	if err != nil {
		return nil, err
	}
	return natsSubscription{sub: sub}, nil
}

func (p *natsPubSub) Close() error {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return err
	}
	return nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// subjectFromTopic maps a slash-separated topic to a NATS subject.
func subjectFromTopic(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}

// topicFromSubject is the inverse of subjectFromTopic. MAC addresses
// contain no dots, so the mapping is lossless.
func topicFromSubject(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}
