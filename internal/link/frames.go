package link

// Frame types exchanged with relay controllers
const (
	TypeIdentify          = "identify"
	TypeAuthenticate      = "authenticate" // older firmware
	TypeIdentified        = "identified"
	TypeConfigUpdate      = "config_update"
	TypeSwitchCommand     = "switch_command"
	TypeBulkSwitchCommand = "bulk_switch_command"
	TypeSwitchResult      = "switch_result"
	TypeStateUpdate       = "state_update"
	TypeStateAck          = "state_ack"
	TypeHeartbeat         = "heartbeat"
	TypeMotion            = "motion"
	TypePIREvent          = "pirEvent" // older firmware
	TypeError             = "error"
)

// Inbound is the union of frames a device may send
type Inbound struct {
	Type   string `json:"type"`
	MAC    string `json:"mac,omitempty"`
	Secret string `json:"secret,omitempty"`

	// heartbeat
	Uptime int64 `json:"uptime,omitempty"`

	// state_update
	Switches []ReportedSwitch `json:"switches,omitempty"`

	// motion / pirEvent
	Triggered *bool `json:"triggered,omitempty"`

	// switch_result
	GPIO           int    `json:"gpio,omitempty"`
	Success        bool   `json:"success,omitempty"`
	RequestedState bool   `json:"requestedState,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// ReportedSwitch is one relay state as seen by the hardware
type ReportedSwitch struct {
	GPIO           int  `json:"gpio"`
	State          bool `json:"state"`
	ManualOverride bool `json:"manual_override,omitempty"`
}

// SwitchResult is the hardware acknowledgement of a switch_command
type SwitchResult struct {
	GPIO           int
	RequestedState bool
	Success        bool
	Reason         string
}

// SwitchCommand drives one relay channel
type SwitchCommand struct {
	Type   string `json:"type"`
	Device string `json:"device"`
	GPIO   int    `json:"gpio"`
	State  bool   `json:"state"`
	Seq    uint64 `json:"seq"`
}

// NewSwitchCommand builds a switch_command frame
func NewSwitchCommand(address string, gpio int, state bool, seq uint64) SwitchCommand {
	return SwitchCommand{Type: TypeSwitchCommand, Device: address, GPIO: gpio, State: state, Seq: seq}
}

// SwitchConfig describes one relay and its manual input to the firmware
type SwitchConfig struct {
	GPIO            int    `json:"gpio"`
	RelayGPIO       int    `json:"relayGpio"`
	Name            string `json:"name"`
	Type            string `json:"type,omitempty"`
	ManualGPIO      *int   `json:"manualGpio,omitempty"`
	ManualActiveLow bool   `json:"manualActiveLow"`
	ManualMomentary bool   `json:"manualMomentary"`
	ManualEnabled   bool   `json:"manualEnabled"`
	State           bool   `json:"state"`
}

// Identified is the reply to a successful identify
type Identified struct {
	Type     string         `json:"type"`
	Mode     string         `json:"mode"`
	Switches []SwitchConfig `json:"switches"`
}

// StateAck acknowledges a state_update
type StateAck struct {
	Type    string `json:"type"`
	Changed bool   `json:"changed"`
}

// ErrorFrame tells a device why its frame was rejected
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
