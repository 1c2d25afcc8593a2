package identity

// State is a device's lifecycle position. It is derived from which fields
// of the device record are populated and is never stored.
type State string

const (
	StateUnprovisioned State = "UNPROVISIONED"
	StateProvisioned   State = "PROVISIONED"
	StateConfigured    State = "CONFIGURED"
	StateOnline        State = "ONLINE"
)

// StateOf derives the lifecycle state of d. A nil or soft-deleted device is
// unprovisioned.
func StateOf(d *Device) State {
	switch {
	case d == nil || d.DeletedAt != nil:
		return StateUnprovisioned
	case d.ConfigVersion == "":
		return StateProvisioned
	case d.LastHeartbeatAt == nil:
		return StateConfigured
	default:
		return StateOnline
	}
}
