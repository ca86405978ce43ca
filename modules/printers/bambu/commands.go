package bambu

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// sequence is process-global so concurrent sessions never reuse an id. The
// printer echoes it back verbatim, which is the only way to correlate a
// response with its command.
var sequence atomic.Uint64

func nextSequenceID() string {
	return strconv.FormatUint(sequence.Add(1), 10)
}

// Command is one request envelope bound for device/{serial}/request. The
// wire form is {"<group>":{"sequence_id":"<n>","command":"<name>",...}}.
type Command struct {
	Group  string
	Name   string
	Fields map[string]any

	// NoAck marks fire-and-forget commands that the printer never
	// answers.
	NoAck bool

	// Timeout overrides the session's default ack deadline.
	Timeout time.Duration
}

func (c Command) marshal(seq string) ([]byte, error) {
	body := make(map[string]any, len(c.Fields)+2)
	for k, v := range c.Fields {
		body[k] = v
	}
	body["sequence_id"] = seq
	body["command"] = c.Name
	return json.Marshal(map[string]any{c.Group: body})
}

// Ack is the printer's response to one command.
type Ack struct {
	Command    string
	SequenceID string
	Result     string
	Reason     string
}

// OK treats anything but an explicit fail as success; some firmware acks
// without a result field.
func (a *Ack) OK() bool {
	return a.Result != "fail"
}

func (a *Ack) Err() error {
	if a.OK() {
		return nil
	}
	if a.Reason == "" {
		return fmt.Errorf("printer rejected %s", a.Command)
	}
	return fmt.Errorf("printer rejected %s: %s", a.Command, a.Reason)
}

// acks extracts command responses from a frame. Status pushes carry the
// printer's own sequence ids and are not responses.
func (f *reportFrame) acks() []Ack {
	var out []Ack
	if p := f.Print; p != nil && p.Command != "" && p.Command != "push_status" && p.SequenceID != "" {
		out = append(out, Ack{Command: p.Command, SequenceID: p.SequenceID, Result: p.Result, Reason: p.Reason})
	}
	if i := f.Info; i != nil && i.Command != "" && i.SequenceID != "" {
		out = append(out, Ack{Command: i.Command, SequenceID: i.SequenceID, Result: i.Result})
	}
	return out
}

// Pushall requests a full state dump. The printer answers with a complete
// report frame rather than an ack, so this is fire-and-forget.
func Pushall() Command {
	return Command{Group: "pushing", Name: "pushall", NoAck: true}
}

// GetVersion requests firmware module versions, answered under the info
// section.
func GetVersion() Command {
	return Command{Group: "info", Name: "get_version"}
}

// FilamentSetting describes one slot write. Ids are canonical: external
// spool holders are units 254/255 with a single tray 0.
type FilamentSetting struct {
	AmsID         int
	TrayID        int
	TrayInfoIdx   string
	SettingID     string
	TrayType      string
	TraySubBrands string
	// TrayColor is 8 hex digits, RGBA.
	TrayColor     string
	NozzleTempMin int
	NozzleTempMax int
}

// AmsFilamentSetting writes filament identity onto one slot. External
// holders use the wire convention of tray id 254 under the holder's unit
// id.
func AmsFilamentSetting(fs FilamentSetting) Command {
	amsID, trayID := fs.AmsID, fs.TrayID
	if amsID >= amsIDExternalLeft {
		trayID = amsIDExternalLeft
	}
	return Command{Group: "print", Name: "ams_filament_setting", Fields: map[string]any{
		"ams_id":          amsID,
		"tray_id":         trayID,
		"tray_info_idx":   fs.TrayInfoIdx,
		"setting_id":      fs.SettingID,
		"tray_type":       fs.TrayType,
		"tray_sub_brands": fs.TraySubBrands,
		"tray_color":      strings.ToUpper(fs.TrayColor),
		"nozzle_temp_min": fs.NozzleTempMin,
		"nozzle_temp_max": fs.NozzleTempMax,
	}}
}

// CaliSetting selects or defines a pressure advance profile for a slot.
type CaliSetting struct {
	AmsID          int
	TrayID         int
	CaliIdx        int
	FilamentID     string
	SettingID      string
	NozzleDiameter string
	KValue         float64
	NozzleTemp     int
}

func ExtrusionCaliSet(cs CaliSetting) Command {
	return Command{Group: "print", Name: "extrusion_cali_set", Fields: map[string]any{
		"ams_id":          cs.AmsID,
		"tray_id":         cs.TrayID,
		"cali_idx":        cs.CaliIdx,
		"filament_id":     cs.FilamentID,
		"setting_id":      cs.SettingID,
		"nozzle_diameter": cs.NozzleDiameter,
		"k_value":         cs.KValue,
		"nozzle_temp":     cs.NozzleTemp,
	}}
}

// ExtrusionCaliGet requests the calibration catalog for one nozzle
// diameter. The response payload is folded into the state's k_profiles.
func ExtrusionCaliGet(nozzleDiameter string) Command {
	return Command{Group: "print", Name: "extrusion_cali_get", Fields: map[string]any{
		"filament_id":     "",
		"nozzle_diameter": nozzleDiameter,
	}}
}

// AmsGetRFID asks the AMS to re-read the RFID tag in one slot, which also
// resets slot state written by ams_filament_setting.
func AmsGetRFID(amsID, trayID int) Command {
	return Command{Group: "print", Name: "ams_get_rfid", Fields: map[string]any{
		"ams_id":  amsID,
		"tray_id": trayID,
	}}
}

// PrintPause pauses the running job.
func PrintPause() Command {
	return Command{Group: "print", Name: "pause", Fields: map[string]any{"param": ""}}
}

// PrintResume resumes a paused job.
func PrintResume() Command {
	return Command{Group: "print", Name: "resume", Fields: map[string]any{"param": ""}}
}

// PrintStop aborts the running job.
func PrintStop() Command {
	return Command{Group: "print", Name: "stop", Fields: map[string]any{"param": ""}}
}
