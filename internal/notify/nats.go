// Package notify announces quarantine decisions over NATS so review tooling
// sees new quarantines as they happen.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/skyward/skyguard/internal/quality"
)

const defaultSubjectPrefix = "skyguard.quarantine"

// conn is the slice of nats.Conn the publisher needs; tests swap in a capture.
type conn interface {
	Publish(subject string, data []byte) error
}

// Publisher emits quarantine notifications. Implements quality.Notifier.
type Publisher struct {
	conn          conn
	nc            *nats.Conn
	subjectPrefix string
}

// NewPublisher connects to NATS. Subjects are <prefix>.<first-reason>, e.g.
// skyguard.quarantine.DATA_CORRUPTION, so reviewers can subscribe narrowly.
func NewPublisher(url, subjectPrefix string) (*Publisher, error) {
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Publisher{conn: nc, nc: nc, subjectPrefix: subjectPrefix}, nil
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// Notification is the wire payload for one quarantine decision.
type Notification struct {
	QuarantineID string                   `json:"quarantine_id"`
	ICAO24       string                   `json:"icao24"`
	Reasons      []quality.Reason         `json:"reasons"`
	Overall      float64                  `json:"overall_score"`
	Grade        quality.Grade            `json:"grade"`
	Anomalies    int                      `json:"anomaly_count"`
	Location     string                   `json:"location,omitempty"`
	ExpiresAt    time.Time                `json:"expires_at"`
	Record       quality.QuarantineRecord `json:"record"`
}

// Notify publishes one quarantine decision.
func (p *Publisher) Notify(_ context.Context, rec quality.QuarantineRecord, reasons []quality.Reason) error {
	n := Notification{
		QuarantineID: rec.ID,
		ICAO24:       rec.ICAO24,
		Reasons:      reasons,
		Overall:      rec.Score.Overall,
		Grade:        rec.Score.Grade,
		Anomalies:    len(rec.Anomalies),
		Location:     rec.Location,
		ExpiresAt:    rec.ExpiresAt,
		Record:       rec,
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	subject := p.subjectPrefix
	if len(reasons) > 0 {
		subject += "." + string(reasons[0])
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
