package mq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyward/skyguard/internal/quality"
)

type captureWriter struct {
	messages []kafka.Message
	err      error
}

func (c *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if c.err != nil {
		return c.err
	}
	c.messages = append(c.messages, msgs...)
	return nil
}

func TestAlertPublisherRaise(t *testing.T) {
	w := &captureWriter{}
	p := &AlertPublisher{writer: w}

	alert := quality.Alert{
		Title:     "Quarantine rate exceeded",
		Severity:  quality.SeverityCritical,
		Metric:    "QuarantineRate",
		Current:   0.25,
		Threshold: 0.10,
		Timestamp: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.Raise(context.Background(), alert))
	require.Len(t, w.messages, 1)

	msg := w.messages[0]
	assert.Equal(t, "QuarantineRate", string(msg.Key))
	assert.Equal(t, alert.Timestamp, msg.Time)

	var got quality.Alert
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, alert, got)
}

func TestReportPublisherPublish(t *testing.T) {
	w := &captureWriter{}
	p := &ReportPublisher{writer: w}

	report := quality.BatchReport{
		StartedAt:   time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
		Processed:   100,
		Quarantined: 25,
	}
	require.NoError(t, p.Publish(context.Background(), report))
	require.Len(t, w.messages, 1)

	assert.Equal(t, "2025-06-15T12:00:00Z", string(w.messages[0].Key))

	var got quality.BatchReport
	require.NoError(t, json.Unmarshal(w.messages[0].Value, &got))
	assert.Equal(t, 25, got.Quarantined)
}

func TestPublisherPropagatesWriteError(t *testing.T) {
	w := &captureWriter{err: assert.AnError}
	p := &AlertPublisher{writer: w}

	err := p.Raise(context.Background(), quality.Alert{Metric: "AnomalyRate"})
	assert.ErrorIs(t, err, assert.AnError)
}
