package audit

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is where audit entries are published.
const DefaultSubject = "payments.audit"

// Publisher is the slice of *nats.Conn used by NATSSink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// NATSSink publishes each entry as JSON on a subject.
type NATSSink struct {
	pub     Publisher
	subject string
}

func NewNATSSink(pub Publisher, subject string) *NATSSink {
	if pub == nil {
		panic("audit: NewNATSSink requires a non-nil publisher")
	}
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSSink{pub: pub, subject: subject}
}

// ConnectNATS dials url and returns a sink publishing to subject, plus the
// connection so the caller can drain it on shutdown.
func ConnectNATS(url, subject string) (*NATSSink, *nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name("payment-gateway"))
	if err != nil {
		return nil, nil, fmt.Errorf("audit: connect nats %s: %w", url, err)
	}
	return NewNATSSink(nc, subject), nc, nil
}

func (s *NATSSink) Record(_ context.Context, e Entry) error {
	e = Stamp(e)
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: encode %s: %w", e.ID, err)
	}
	if err := s.pub.Publish(s.subject, data); err != nil {
		return fmt.Errorf("audit: publish %s: %w", e.ID, err)
	}
	return nil
}
