// Package events implements the in-process event bus that fans printer and
// device telemetry out to websocket subscribers and internal watchers.
package events

type Type string

const (
	TypeInitialState        Type = "initial_state"
	TypePrinterConnected    Type = "printer_connected"
	TypePrinterDisconnected Type = "printer_disconnected"
	TypePrinterUnreachable  Type = "printer_unreachable"
	TypePrinterState        Type = "printer_state"
	TypePrinterRemoved      Type = "printer_removed"
	TypeJobStarted          Type = "job_started"
	TypeJobEnded            Type = "job_ended"
	TypeJobChanged          Type = "job_changed"
	TypeCover               Type = "cover"
	TypeDeviceConnected     Type = "device_connected"
	TypeDeviceDisconnected  Type = "device_disconnected"
	TypeWeight              Type = "weight"
	TypeDeviceState         Type = "device_state"
	TypeTagDetected         Type = "tag_detected"
	TypeTagRemoved          Type = "tag_removed"
	TypeAssignmentResult    Type = "assignment_result"
	TypeParseWarning        Type = "parse_warning"
	TypeParseError          Type = "parse_error"
	TypeSlowConsumer        Type = "slow_consumer"
)

// Event is one message on the bus. Serial is set for printer-scoped events.
// Payload shape depends on Type and is converted to JSON only at the socket
// boundary.
type Event struct {
	Type    Type
	Serial  string
	Payload any
}

// PrinterState is the payload of printer_state events. State is the full
// post-reduction snapshot (an immutable value owned by nobody once published),
// Deltas the field-level changes that produced it. Subscribers attaching later
// receive State; live subscribers consume Deltas.
type PrinterState struct {
	State  any
	Deltas any
}

// Job is the payload of the job lifecycle events, carrying the subtask
// transition that triggered them.
type Job struct {
	SubtaskName string `json:"subtask_name"`
	GcodeFile   string `json:"gcode_file,omitempty"`
}

// Cover is the payload of cover events. Image is raw RGB565, rendered as
// base64 at the socket boundary.
type Cover struct {
	Image []byte `json:"image"`
}

// DeviceState mirrors the embedded device's last-known condition.
type DeviceState struct {
	Connected       bool     `json:"connected"`
	LastWeight      *float64 `json:"last_weight"`
	WeightStable    bool     `json:"weight_stable"`
	CurrentTagID    *string  `json:"current_tag_id"`
	UpdateAvailable bool     `json:"update_available"`
}

// Weight is the payload of weight events, forwarded verbatim from the scale.
type Weight struct {
	Grams  float64 `json:"grams"`
	Stable bool    `json:"stable"`
}

// Tag is the payload of tag_detected events. Data carries the already-decoded
// tag payload, or nil for tags the device could not decode.
type Tag struct {
	TagID   string `json:"tag_id"`
	TagType string `json:"tag_type"`
	Data    any    `json:"data"`
}

// AssignmentResult reports the outcome of a slot-assignment request.
type AssignmentResult struct {
	Outcome string `json:"outcome"`
	Serial  string `json:"printer_serial"`
	AmsID   int    `json:"ams_id"`
	TrayID  int    `json:"tray_id"`
	SpoolID int64  `json:"spool_id"`
	Error   string `json:"error,omitempty"`
}

// ParseIssue is the payload of parse_warning and parse_error events.
type ParseIssue struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// SlowConsumer is synthesized per subscriber when its queue overflowed.
// Lost counts the events dropped since the previous marker.
type SlowConsumer struct {
	Lost int `json:"lost"`
}

// InitialState is the first event every subscriber receives. It reflects
// exactly the events published before the subscription and nothing after.
type InitialState struct {
	Device   DeviceState
	Printers map[string]bool
	States   map[string]any
}
