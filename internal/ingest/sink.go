package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/envoy-ingest/internal/envoy"
)

// ReadingSink receives every reading that produced points.
type ReadingSink interface {
	PublishReading(r envoy.Reading) error
}

// ReadingSummary is the compact per-reading message published to MQTT.
type ReadingSummary struct {
	Device          string    `json:"device"`
	Timestamp       time.Time `json:"timestamp"`
	ProductionW     *float64  `json:"production_w,omitempty"`
	ProductionWhDay *float64  `json:"production_wh_today,omitempty"`
	ConsumptionW    *float64  `json:"consumption_w,omitempty"`
	NetW            *float64  `json:"net_w,omitempty"`
	Inverters       int       `json:"inverters,omitempty"`
}

// Summarize extracts the headline values of a reading.
func Summarize(r envoy.Reading) ReadingSummary {
	s := ReadingSummary{
		Device:    r.DeviceID,
		Timestamp: r.Timestamp.UTC(),
		Inverters: len(r.Inverters),
	}
	if r.Production != nil {
		s.ProductionW = r.Production.WattsNow
		s.ProductionWhDay = r.Production.WattHoursToday
	}
	if r.Consumption != nil {
		s.ConsumptionW = r.Consumption.WattsNow
	}
	if r.NetConsumption != nil {
		s.NetW = r.NetConsumption.WattsNow
	}
	return s
}

// MQTTSink publishes reading summaries, not retained.
type MQTTSink struct {
	pub   Publisher
	topic func(deviceID string) string
	qos   byte
}

// NewMQTTSink creates a sink publishing on topic(deviceID).
func NewMQTTSink(pub Publisher, topic func(deviceID string) string, qos byte) *MQTTSink {
	return &MQTTSink{pub: pub, topic: topic, qos: qos}
}

// PublishReading sends the summary. A disconnected publisher is skipped
// silently; summaries are not queued.
func (s *MQTTSink) PublishReading(r envoy.Reading) error {
	if !s.pub.IsConnected() {
		return nil
	}
	payload, err := json.Marshal(Summarize(r))
	if err != nil {
		return fmt.Errorf("encoding reading summary: %w", err)
	}
	return s.pub.Publish(s.topic(r.DeviceID), payload, s.qos, false)
}
