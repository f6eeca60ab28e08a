package kafka

// SourceConfig returns the transport configuration of a kafka_input connector
// reading topics from the start.
func SourceConfig(bootstrapServers string, topics ...string) map[string]interface{} {
	return map[string]interface{}{
		"bootstrap.servers": bootstrapServers,
		"topics":            topics,
		"auto.offset.reset": "earliest",
	}
}

// SinkConfig returns the transport configuration of a kafka_output connector.
func SinkConfig(bootstrapServers, topic string) map[string]interface{} {
	return map[string]interface{}{
		"bootstrap.servers": bootstrapServers,
		"topic":             topic,
		"auto.offset.reset": "earliest",
	}
}
