package identity

// Event topics published by the identity module.
const (
	TopicDeviceProvisioned  = "identity.device.provisioned"
	TopicDeviceOwnerChanged = "identity.device.owner_changed"
	TopicDeviceDeleted      = "identity.device.deleted"
)

// DeviceEvent is the payload of identity topics.
type DeviceEvent struct {
	DeviceID   string `json:"device_id"`
	Serial     string `json:"serial,omitempty"`
	CustomerID string `json:"customer_id,omitempty"`
	Created    bool   `json:"created,omitempty"`
}
