package gwconfig

// Event topics published by the configs module.
const (
	TopicConfigPublished = "configs.config.published"
	TopicConfigAssigned  = "configs.config.assigned"
	TopicDefaultChanged  = "configs.default.changed"
)

// ConfigEvent is the payload of configs topics.
type ConfigEvent struct {
	ConfigID   string `json:"config_id"`
	DeviceID   string `json:"device_id,omitempty"`
	CustomerID string `json:"customer_id,omitempty"`
}
