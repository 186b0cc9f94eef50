package mqtt

import "fmt"

// Topics builds relayd MQTT topic names under a prefix
type Topics struct {
	Prefix string
}

// DeviceState is the retained full snapshot of a device.
//
// Example: relayd/devices/room-101/state
func (t Topics) DeviceState(deviceID string) string {
	return fmt.Sprintf("%s/devices/%s/state", t.Prefix, deviceID)
}

// DevicePresence is the retained online/offline status of a device.
//
// Example: relayd/devices/room-101/presence
func (t Topics) DevicePresence(deviceID string) string {
	return fmt.Sprintf("%s/devices/%s/presence", t.Prefix, deviceID)
}

// Alert carries security alerts raised for a device.
//
// Example: relayd/alerts/room-101
func (t Topics) Alert(deviceID string) string {
	return fmt.Sprintf("%s/alerts/%s", t.Prefix, deviceID)
}

// SystemStatus is the service's own online/offline status
func (t Topics) SystemStatus() string {
	return t.Prefix + "/system/status"
}
