package bambu

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// maxFrameSize rejects pathological report frames before they are parsed.
const maxFrameSize = 1 << 20

// field wraps a frame value so the reducer can tell the difference between a
// key that was absent (retain the prior value), explicitly null (clear), and
// present (update). UnmarshalJSON only runs for present keys.
type field[T any] struct {
	set   bool
	null  bool
	value T
}

func (f *field[T]) UnmarshalJSON(b []byte) error {
	f.set = true
	if string(b) == "null" {
		f.null = true
		return nil
	}
	return json.Unmarshal(b, &f.value)
}

// apply folds the field into dst per the merge rules: absent retains, null
// clears to the zero value, present overwrites.
func (f *field[T]) apply(dst *T) bool {
	if !f.set {
		return false
	}
	if f.null {
		var zero T
		*dst = zero
		return true
	}
	*dst = f.value
	return true
}

// flexInt decodes numbers that Bambu firmware sends either bare or quoted,
// depending on model and firmware revision.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// Some firmware reports integer fields as floats ("25.0").
		fl, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return fmt.Errorf("parsing %q as integer: %w", s, err)
		}
		*f = flexInt(fl)
		return nil
	}
	*f = flexInt(n)
	return nil
}

type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	fl, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parsing %q as float: %w", s, err)
	}
	*f = flexFloat(fl)
	return nil
}

// reportFrame is one message on device/{serial}/report. Frames carry one or
// more top-level sections; unknown sections are ignored.
type reportFrame struct {
	Print *printReport `json:"print"`
	Info  *infoReport  `json:"info"`
	Cover *coverReport `json:"cover"`
}

// printReport is the print section. It doubles as the ack channel: command
// responses echo the command name, sequence_id and a result under this group.
type printReport struct {
	Command    string `json:"command"`
	SequenceID string `json:"sequence_id"`
	Result     string `json:"result"`
	Reason     string `json:"reason"`

	GcodeState      field[string]  `json:"gcode_state"`
	GcodeFile       field[string]  `json:"gcode_file"`
	SubtaskName     field[string]  `json:"subtask_name"`
	McPercent       field[flexInt] `json:"mc_percent"`
	McRemainingTime field[flexInt] `json:"mc_remaining_time"`
	LayerNum        field[flexInt] `json:"layer_num"`
	TotalLayerNum   field[flexInt] `json:"total_layer_num"`
	StgCur          field[flexInt] `json:"stg_cur"`
	PrintErrorCode  field[flexInt] `json:"print_error"`

	Ams     *amsReport   `json:"ams"`
	VtTray  *trayReport  `json:"vt_tray"`
	VirSlot []trayReport `json:"vir_slot"`

	// Populated on extrusion_cali_get responses.
	Filaments []kProfileReport `json:"filaments"`
	NozzleDia field[string]    `json:"nozzle_diameter"`
}

type amsReport struct {
	Ams             []amsUnitReport `json:"ams"`
	TrayNow         field[flexInt]  `json:"tray_now"`
	TrayNowLeft     field[flexInt]  `json:"tray_now_left"`
	TrayNowRight    field[flexInt]  `json:"tray_now_right"`
	ActiveExtruder  field[flexInt]  `json:"active_extruder"`
	TrayReadingBits field[flexInt]  `json:"tray_reading_bits"`
}

type amsUnitReport struct {
	ID       flexInt        `json:"id"`
	Humidity field[flexInt] `json:"humidity"`
	// Temp is degrees celsius, often with one decimal ("26.5").
	Temp     field[flexFloat] `json:"temp"`
	Extruder field[flexInt]   `json:"extruder"`
	Tray     []trayReport     `json:"tray"`
}

type trayReport struct {
	ID            flexInt          `json:"id"`
	TrayType      field[string]    `json:"tray_type"`
	TrayColor     field[string]    `json:"tray_color"`
	TrayInfoIdx   field[string]    `json:"tray_info_idx"`
	TraySubBrands field[string]    `json:"tray_sub_brands"`
	K             field[flexFloat] `json:"k"`
	CaliIdx       field[flexInt]   `json:"cali_idx"`
	NozzleTempMin field[flexInt]   `json:"nozzle_temp_min"`
	NozzleTempMax field[flexInt]   `json:"nozzle_temp_max"`
	Remain        field[flexInt]   `json:"remain"`
	TagUID        field[string]    `json:"tag_uid"`
}

type kProfileReport struct {
	CaliIdx    flexInt   `json:"cali_idx"`
	FilamentID string    `json:"filament_id"`
	SettingID  string    `json:"setting_id"`
	Name       string    `json:"name"`
	KValue     flexFloat `json:"k_value"`
	NCoef      flexFloat `json:"n_coef"`
	ExtruderID flexInt   `json:"extruder_id"`
	NozzleTemp flexInt   `json:"nozzle_temp"`
}

// infoReport carries identity and firmware versions, and acks get_version.
type infoReport struct {
	Command    string         `json:"command"`
	SequenceID string         `json:"sequence_id"`
	Result     string         `json:"result"`
	Module     []moduleReport `json:"module"`
}

type moduleReport struct {
	Name     string `json:"name"`
	SwVer    string `json:"sw_ver"`
	HwVer    string `json:"hw_ver"`
	SerialNo string `json:"sn"`
}

// coverReport is one chunk of the current job's cover image, base64-encoded
// RGB565. Chunks sharing an id belong to one assembly; last marks the final
// chunk.
type coverReport struct {
	ID   string `json:"id"`
	Data string `json:"data"`
	Last bool   `json:"last"`
}

// parseFrame decodes a raw report payload. Frames over maxFrameSize and
// malformed JSON are rejected; the caller surfaces these as parse_error.
func parseFrame(payload []byte) (*reportFrame, error) {
	if len(payload) > maxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds limit %d", len(payload), maxFrameSize)
	}
	frame := &reportFrame{}
	if err := json.Unmarshal(payload, frame); err != nil {
		return nil, fmt.Errorf("malformed report frame: %w", err)
	}
	return frame, nil
}

// isPushallResponse detects the full state dump requested on (re)connect: the
// only frame kind that carries the complete AMS array, the active tray
// selector and the external spool section together.
func (f *reportFrame) isPushallResponse() bool {
	return f.Print != nil &&
		f.Print.Ams != nil &&
		f.Print.Ams.Ams != nil &&
		f.Print.Ams.TrayNow.set &&
		(f.Print.VtTray != nil || len(f.Print.VirSlot) > 0)
}
