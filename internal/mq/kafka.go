// Package mq publishes quality pipeline events to Kafka: batch reports for
// downstream consumers and threshold alerts for the operations topic.
package mq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/skyward/skyguard/internal/quality"
)

// NewWriter builds a synchronous writer for the given topic.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 250 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
}

// PublishJSON marshals payload and writes it keyed by key.
func PublishJSON(ctx context.Context, writer *kafka.Writer, key string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: body,
		Time:  time.Now().UTC(),
	})
}

// messageWriter is the slice of kafka.Writer the publishers need; tests swap
// in a capture.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// AlertPublisher delivers batch threshold alerts to Kafka. Implements
// quality.AlertSink.
type AlertPublisher struct {
	writer messageWriter
}

// NewAlertPublisher wraps a writer for the alerts topic.
func NewAlertPublisher(writer *kafka.Writer) *AlertPublisher {
	return &AlertPublisher{writer: writer}
}

// Raise publishes one alert keyed by its metric, so consumers can compact per
// metric.
func (p *AlertPublisher) Raise(ctx context.Context, alert quality.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(alert.Metric),
		Value: body,
		Time:  alert.Timestamp,
	})
}

// ReportPublisher delivers batch reports to Kafka.
type ReportPublisher struct {
	writer messageWriter
}

// NewReportPublisher wraps a writer for the reports topic.
func NewReportPublisher(writer *kafka.Writer) *ReportPublisher {
	return &ReportPublisher{writer: writer}
}

// Publish writes one batch report keyed by its start time.
func (p *ReportPublisher) Publish(ctx context.Context, report quality.BatchReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(report.StartedAt.UTC().Format(time.RFC3339)),
		Value: body,
		Time:  report.StartedAt,
	})
}
