package broadcast

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/Yi-XIE/PBL.AI/internal/projection"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "pblai.tasks"

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes every delta as JSON on <prefix>.<task_id>.
type NATSSink struct {
	pub    Publisher
	prefix string
}

// ConnectNATS dials the NATS server at url.
func ConnectNATS(url string) (*nats.Conn, error) {
	conn, err := nats.Connect(url, nats.Name("pblai"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return conn, nil
}

// NewNATSSink creates a sink publishing through pub.
func NewNATSSink(pub Publisher, prefix string) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{pub: pub, prefix: prefix}
}

// Subject returns the subject deltas of taskID are published on.
func (s *NATSSink) Subject(taskID string) string {
	return s.prefix + "." + taskID
}

// Deliver implements Sink.
func (s *NATSSink) Deliver(taskID string, d projection.Delta) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal delta: %w", err)
	}
	if err := s.pub.Publish(s.Subject(taskID), data); err != nil {
		return fmt.Errorf("publish %s: %w", s.Subject(taskID), err)
	}
	return nil
}
