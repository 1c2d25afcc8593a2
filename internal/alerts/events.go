package alerts

// Event topics published by the alerts module. Payload is *Alert.
const (
	TopicAlertTriggered    = "alerts.alert.triggered"
	TopicAlertResolved     = "alerts.alert.resolved"
	TopicAlertAcknowledged = "alerts.alert.acknowledged"
)
