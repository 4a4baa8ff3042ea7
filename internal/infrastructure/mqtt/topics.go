package mqtt

import "strings"

// DefaultTopicPrefix is used when the configured prefix is empty.
const DefaultTopicPrefix = "envoy"

// Topics builds topic names under one prefix.
//
//	topics := mqtt.NewTopics("envoy")
//	topics.Status("envoy-ingest")  // envoy/envoy-ingest/status
//	topics.Reading("envoy-1")      // envoy/envoy-1/reading
type Topics struct {
	prefix string
}

// NewTopics creates a builder. Surrounding slashes are trimmed.
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{prefix: prefix}
}

// Prefix returns the topic prefix.
func (t Topics) Prefix() string {
	if t.prefix == "" {
		return DefaultTopicPrefix
	}
	return t.prefix
}

// Status is the retained health topic of one process.
func (t Topics) Status(clientID string) string {
	return t.Prefix() + "/" + clientID + "/status"
}

// Reading is the topic carrying reading summaries of one device.
func (t Topics) Reading(deviceID string) string {
	return t.Prefix() + "/" + deviceID + "/reading"
}
