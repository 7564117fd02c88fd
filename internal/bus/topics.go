package bus

// Topic builders shared by publishers and subscribers.

// BrokerUpdates is the per-broker inbound update topic.
func BrokerUpdates(brokerID string) string {
	return "broker." + brokerID + ".update"
}

// MessageUpdated is the per-broker-message delivery state topic.
func MessageUpdated(brokerMessageID string) string {
	return "message." + brokerMessageID + ".updated"
}
