package bambu

import (
	"fmt"
	"math"
	"slices"
	"time"
)

// GcodeState is the printer's top-level job state.
type GcodeState string

const (
	GcodeIdle    GcodeState = "IDLE"
	GcodePrepare GcodeState = "PREPARE"
	GcodeRunning GcodeState = "RUNNING"
	GcodePause   GcodeState = "PAUSE"
	GcodeFinish  GcodeState = "FINISH"
	GcodeFailed  GcodeState = "FAILED"
	GcodeUnknown GcodeState = "UNKNOWN"
)

func gcodeStateFromWire(s string) GcodeState {
	switch GcodeState(s) {
	case GcodeIdle, GcodePrepare, GcodeRunning, GcodePause, GcodeFinish, GcodeFailed:
		return GcodeState(s)
	}
	return GcodeUnknown
}

// stageNames decodes stg_cur substage codes as reported by current firmware.
var stageNames = map[int]string{
	-1: "Idle",
	0:  "Printing",
	1:  "Auto bed leveling",
	2:  "Heatbed preheating",
	3:  "Sweeping XY mech mode",
	4:  "Changing filament",
	5:  "M400 pause",
	6:  "Paused due to filament runout",
	7:  "Heating hotend",
	8:  "Calibrating extrusion",
	9:  "Scanning bed surface",
	10: "Inspecting first layer",
	11: "Identifying build plate type",
	12: "Calibrating Micro Lidar",
	13: "Homing toolhead",
	14: "Cleaning nozzle tip",
	15: "Checking extruder temperature",
	16: "Paused by the user",
	17: "Pause of front cover falling",
	18: "Calibrating the micro lidar",
	19: "Calibrating extrusion flow",
	20: "Paused due to nozzle temperature malfunction",
	21: "Paused due to heat bed temperature malfunction",
	22: "Filament unloading",
	23: "Paused due to skipped step",
	24: "Filament loading",
	25: "Calibrating motor noise",
	26: "Paused due to AMS lost",
	27: "Paused due to low speed of the heat break fan",
	28: "Paused due to chamber temperature control error",
	29: "Cooling chamber",
	30: "Paused by the Gcode inserted by user",
	31: "Motor noise showoff",
	32: "Paused due to nozzle filament covered detected",
	33: "Paused due to cutter error",
	34: "Paused due to first layer error",
	35: "Paused due to nozzle clog",
}

func stageName(code int) string {
	if name, ok := stageNames[code]; ok {
		return name
	}
	return fmt.Sprintf("Stage %d", code)
}

const (
	amsIDHTFirst       = 128
	amsIDHTLast        = 135
	amsIDExternalLeft  = 254
	amsIDExternalRight = 255

	// Selector value meaning "no tray active".
	trayNone = 255
)

// unitLabel canonicalizes raw AMS unit ids into display labels: 0-3 are
// regular four-slot units A-D, 128-135 are single-slot high temperature
// units A-H, 254 is the left external spool holder, 255 the default one.
func unitLabel(id int) string {
	switch {
	case id >= 0 && id <= 3:
		return fmt.Sprintf("AMS-%c", 'A'+id)
	case id >= amsIDHTFirst && id <= amsIDHTLast:
		return fmt.Sprintf("HT-%c", 'A'+id-amsIDHTFirst)
	case id == amsIDExternalLeft:
		return "External L"
	case id == amsIDExternalRight:
		return "External"
	}
	return fmt.Sprintf("AMS-%d", id)
}

func unitTrayCount(id int) int {
	if id >= 0 && id <= 3 {
		return 4
	}
	return 1
}

// Tray is one filament slot of an AMS unit.
type Tray struct {
	ID            int     `json:"id"`
	TrayType      string  `json:"tray_type"`
	TrayColor     string  `json:"tray_color"`
	TrayInfoIdx   string  `json:"tray_info_idx"`
	TraySubBrands string  `json:"tray_sub_brands,omitempty"`
	KValue        float64 `json:"k_value"`
	CaliIdx       int     `json:"cali_idx"`
	NozzleTempMin int     `json:"nozzle_temp_min"`
	NozzleTempMax int     `json:"nozzle_temp_max"`
	Remain        int     `json:"remain"`
	TagUID        string  `json:"tag_uid,omitempty"`
}

// Empty reports whether the slot holds no filament. A slot with only a color
// set is not empty, used colors persist across unloads.
func (t *Tray) Empty() bool {
	return t.TrayType == "" && (t.TrayColor == "" || t.TrayColor == "00000000")
}

// AmsUnit is one material unit attached to the printer, external spool
// holders included.
type AmsUnit struct {
	ID    int    `json:"id"`
	Label string `json:"label"`
	// Humidity is percent relative humidity, -1 when unknown.
	Humidity int `json:"humidity"`
	// Temperature is tenths of a degree celsius.
	Temperature int `json:"temperature"`
	// Extruder is 0 for right, 1 for left, -1 when unknown.
	Extruder  int    `json:"extruder"`
	TrayCount int    `json:"tray_count"`
	Trays     []Tray `json:"trays"`
}

func newAmsUnit(id int) AmsUnit {
	return AmsUnit{
		ID:        id,
		Label:     unitLabel(id),
		Humidity:  -1,
		Extruder:  -1,
		TrayCount: unitTrayCount(id),
	}
}

// KProfile is one entry of the printer's pressure advance calibration
// catalog.
type KProfile struct {
	CaliIdx    int     `json:"cali_idx"`
	FilamentID string  `json:"filament_id"`
	SettingID  string  `json:"setting_id"`
	Name       string  `json:"name"`
	KValue     float64 `json:"k_value"`
	ExtruderID int     `json:"extruder_id"`
	NozzleTemp int     `json:"nozzle_temp"`
}

// State is the canonical projection of one printer's telemetry. It is owned
// by the printer's session; everything outside the session sees deep copies.
type State struct {
	Connected  bool      `json:"connected"`
	LastSeenAt time.Time `json:"last_seen_ts"`

	GcodeState       GcodeState `json:"gcode_state"`
	SubtaskName      string     `json:"subtask_name"`
	GcodeFile        string     `json:"gcode_file"`
	PrintProgress    int        `json:"print_progress"`
	LayerNum         int        `json:"layer_num"`
	TotalLayerNum    int        `json:"total_layer_num"`
	RemainingTimeMin int        `json:"mc_remaining_time_min"`
	StgCur           int        `json:"stg_cur"`
	StgCurName       string     `json:"stg_cur_name"`
	PrintError       int        `json:"print_error,omitempty"`
	FirmwareVersion  string     `json:"firmware_version,omitempty"`
	NozzleCount      int        `json:"nozzle_count"`

	AmsUnits []AmsUnit `json:"ams_units"`

	TrayNow         *int `json:"tray_now"`
	TrayNowLeft     *int `json:"tray_now_left"`
	TrayNowRight    *int `json:"tray_now_right"`
	ActiveExtruder  *int `json:"active_extruder"`
	TrayReadingBits int  `json:"tray_reading_bits"`

	KProfiles []KProfile `json:"k_profiles,omitempty"`

	// Cover is the current job's cover image as raw RGB565, published
	// separately from state frames because of its size.
	Cover []byte `json:"-"`
}

func newState(nozzleCount int) *State {
	return &State{
		GcodeState:  GcodeUnknown,
		StgCur:      -1,
		StgCurName:  stageName(-1),
		NozzleCount: nozzleCount,
	}
}

// Unit returns the canonical unit with the given id, or nil.
func (s *State) Unit(id int) *AmsUnit {
	for i := range s.AmsUnits {
		if s.AmsUnits[i].ID == id {
			return &s.AmsUnits[i]
		}
	}
	return nil
}

// TrayAt returns the tray at (amsID, trayID), or nil.
func (s *State) TrayAt(amsID, trayID int) *Tray {
	unit := s.Unit(amsID)
	if unit == nil {
		return nil
	}
	for i := range unit.Trays {
		if unit.Trays[i].ID == trayID {
			return &unit.Trays[i]
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand outside the session.
func (s *State) Clone() *State {
	out := *s
	out.AmsUnits = make([]AmsUnit, len(s.AmsUnits))
	for i, u := range s.AmsUnits {
		out.AmsUnits[i] = u
		out.AmsUnits[i].Trays = slices.Clone(u.Trays)
	}
	out.KProfiles = slices.Clone(s.KProfiles)
	out.Cover = slices.Clone(s.Cover)
	out.TrayNow = cloneIntPtr(s.TrayNow)
	out.TrayNowLeft = cloneIntPtr(s.TrayNowLeft)
	out.TrayNowRight = cloneIntPtr(s.TrayNowRight)
	out.ActiveExtruder = cloneIntPtr(s.ActiveExtruder)
	return &out
}

func cloneIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Delta is one observed change, path-addressed so consumers can route it
// without diffing snapshots themselves. Path roots are: printer_state,
// ams_unit, tray, cover, k_profiles.
type Delta struct {
	Path string `json:"path"`
	Old  any    `json:"old,omitempty"`
	New  any    `json:"new"`
}

type reduceResult struct {
	Deltas   []Delta
	Warnings []string

	JobStarted bool
	JobEnded   bool
	JobChanged bool
}

func (r *reduceResult) record(path string, old, new any) {
	r.Deltas = append(r.Deltas, Delta{Path: path, Old: old, New: new})
}

func (r *reduceResult) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func applyString(r *reduceResult, path string, dst *string, f field[string]) {
	if !f.set {
		return
	}
	next := f.value
	if f.null {
		next = ""
	}
	if next != *dst {
		r.record(path, *dst, next)
		*dst = next
	}
}

func applyInt(r *reduceResult, path string, dst *int, f field[flexInt]) {
	if !f.set {
		return
	}
	next := int(f.value)
	if f.null {
		next = 0
	}
	if next != *dst {
		r.record(path, *dst, next)
		*dst = next
	}
}

// applySelector folds an active-tray selector. Null and the no-tray marker
// both clear the selector.
func applySelector(r *reduceResult, path string, dst **int, f field[flexInt]) {
	if !f.set {
		return
	}
	var next *int
	if !f.null && int(f.value) != trayNone {
		v := int(f.value)
		next = &v
	}
	if !selectorEqual(*dst, next) {
		r.record(path, intPtrValue(*dst), intPtrValue(next))
		*dst = next
	}
}

func selectorEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func intPtrValue(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

// reduce folds one report frame into the state and returns the observed
// changes. The caller holds the session mutex.
func (s *State) reduce(f *reportFrame, now time.Time) reduceResult {
	res := reduceResult{}
	s.LastSeenAt = now
	if f.Print != nil {
		s.reducePrint(f.Print, f.isPushallResponse(), &res)
	}
	if f.Info != nil {
		s.reduceInfo(f.Info, &res)
	}
	return res
}

func (s *State) reducePrint(p *printReport, pushall bool, res *reduceResult) {
	if p.GcodeState.set {
		next := gcodeStateFromWire(p.GcodeState.value)
		if p.GcodeState.null {
			next = GcodeUnknown
		}
		if next != s.GcodeState {
			res.record("printer_state.gcode_state", s.GcodeState, next)
			s.GcodeState = next
		}
	}

	prevSubtask := s.SubtaskName
	applyString(res, "printer_state.subtask_name", &s.SubtaskName, p.SubtaskName)
	newJob := s.SubtaskName != prevSubtask
	switch {
	case newJob && prevSubtask == "":
		res.JobStarted = true
	case newJob && s.SubtaskName == "":
		res.JobEnded = true
	case newJob:
		res.JobChanged = true
	}

	applyString(res, "printer_state.gcode_file", &s.GcodeFile, p.GcodeFile)
	s.reduceProgress(p, res, newJob)
	applyInt(res, "printer_state.layer_num", &s.LayerNum, p.LayerNum)
	applyInt(res, "printer_state.total_layer_num", &s.TotalLayerNum, p.TotalLayerNum)
	applyInt(res, "printer_state.mc_remaining_time_min", &s.RemainingTimeMin, p.McRemainingTime)
	applyInt(res, "printer_state.print_error", &s.PrintError, p.PrintErrorCode)

	if p.StgCur.set {
		next := int(p.StgCur.value)
		if p.StgCur.null {
			next = -1
		}
		if next != s.StgCur {
			res.record("printer_state.stg_cur", s.StgCur, next)
			s.StgCur = next
			s.StgCurName = stageName(next)
			res.record("printer_state.stg_cur_name", "", s.StgCurName)
		}
	}

	if p.Ams != nil {
		s.reduceAms(p.Ams, pushall, res)
	}
	s.reduceExternal(p, pushall, res)

	if p.Command == "extrusion_cali_get" && p.Filaments != nil {
		s.reduceCatalog(p.Filaments, res)
	}
}

// reduceProgress clamps out-of-range progress instead of dropping the frame
// and keeps progress monotonic within a job.
func (s *State) reduceProgress(p *printReport, res *reduceResult, newJob bool) {
	if !p.McPercent.set {
		return
	}
	next := int(p.McPercent.value)
	if p.McPercent.null {
		next = 0
	}
	if next < 0 || next > 100 {
		res.warnf("mc_percent %d out of range, clamped", next)
		next = min(max(next, 0), 100)
	}
	if !newJob && next < s.PrintProgress {
		return
	}
	if next != s.PrintProgress {
		res.record("printer_state.print_progress", s.PrintProgress, next)
		s.PrintProgress = next
	}
}

// reduceAms merges the AMS array per unit id. On a pushall response the
// frame is a complete dump, so units missing from it are removed; partial
// frames never clear anything.
func (s *State) reduceAms(a *amsReport, pushall bool, res *reduceResult) {
	seen := map[int]bool{}
	for i := range a.Ams {
		ur := &a.Ams[i]
		id := int(ur.ID)
		seen[id] = true
		unit := s.Unit(id)
		if unit == nil {
			// Batch the initial population into a single whole-unit delta.
			s.AmsUnits = append(s.AmsUnits, newAmsUnit(id))
			slices.SortFunc(s.AmsUnits, func(x, y AmsUnit) int { return x.ID - y.ID })
			unit = s.Unit(id)
			var sink reduceResult
			s.applyUnit(unit, ur, &sink)
			res.Warnings = append(res.Warnings, sink.Warnings...)
			res.record(fmt.Sprintf("ams_unit.%d", id), nil, *unit)
			continue
		}
		s.applyUnit(unit, ur, res)
	}

	if pushall {
		s.AmsUnits = slices.DeleteFunc(s.AmsUnits, func(u AmsUnit) bool {
			if u.ID >= amsIDExternalLeft || seen[u.ID] {
				return false
			}
			res.record(fmt.Sprintf("ams_unit.%d", u.ID), u, nil)
			return true
		})
	}

	applySelector(res, "printer_state.tray_now", &s.TrayNow, a.TrayNow)
	applySelector(res, "printer_state.tray_now_left", &s.TrayNowLeft, a.TrayNowLeft)
	applySelector(res, "printer_state.tray_now_right", &s.TrayNowRight, a.TrayNowRight)
	if a.ActiveExtruder.set {
		var next *int
		if !a.ActiveExtruder.null {
			v := int(a.ActiveExtruder.value)
			next = &v
		}
		if !selectorEqual(s.ActiveExtruder, next) {
			res.record("printer_state.active_extruder", intPtrValue(s.ActiveExtruder), intPtrValue(next))
			s.ActiveExtruder = next
		}
	}
	applyInt(res, "printer_state.tray_reading_bits", &s.TrayReadingBits, a.TrayReadingBits)
}

func (s *State) applyUnit(unit *AmsUnit, ur *amsUnitReport, res *reduceResult) {
	if ur.Humidity.set {
		next := int(ur.Humidity.value)
		if ur.Humidity.null || next < 0 || next > 100 {
			next = -1
		}
		if next != unit.Humidity {
			res.record(fmt.Sprintf("ams_unit.%d.humidity", unit.ID), unit.Humidity, next)
			unit.Humidity = next
		}
	}
	if ur.Temp.set && !ur.Temp.null {
		next := int(math.Round(float64(ur.Temp.value) * 10))
		if next != unit.Temperature {
			res.record(fmt.Sprintf("ams_unit.%d.temperature", unit.ID), unit.Temperature, next)
			unit.Temperature = next
		}
	}
	if ur.Extruder.set && !ur.Extruder.null {
		next := int(ur.Extruder.value)
		if next != unit.Extruder {
			res.record(fmt.Sprintf("ams_unit.%d.extruder", unit.ID), unit.Extruder, next)
			unit.Extruder = next
		}
	}
	for i := range ur.Tray {
		s.applyTray(unit, &ur.Tray[i], res)
	}
}

// applyTray merges one slot. Slots absent from the frame are never cleared,
// they persist until a pushall or an explicit empty report.
func (s *State) applyTray(unit *AmsUnit, tr *trayReport, res *reduceResult) {
	id := int(tr.ID)
	var tray *Tray
	for i := range unit.Trays {
		if unit.Trays[i].ID == id {
			tray = &unit.Trays[i]
			break
		}
	}
	fresh := tray == nil
	if fresh {
		unit.Trays = append(unit.Trays, Tray{ID: id, CaliIdx: -1})
		slices.SortFunc(unit.Trays, func(x, y Tray) int { return x.ID - y.ID })
		for i := range unit.Trays {
			if unit.Trays[i].ID == id {
				tray = &unit.Trays[i]
				break
			}
		}
	}

	var sink reduceResult
	dst := res
	if fresh {
		// Batch the initial population into a single whole-tray delta.
		dst = &sink
	}
	prefix := fmt.Sprintf("tray.%d.%d", unit.ID, id)
	applyString(dst, prefix+".tray_type", &tray.TrayType, tr.TrayType)
	applyString(dst, prefix+".tray_color", &tray.TrayColor, tr.TrayColor)
	applyString(dst, prefix+".tray_info_idx", &tray.TrayInfoIdx, tr.TrayInfoIdx)
	applyString(dst, prefix+".tray_sub_brands", &tray.TraySubBrands, tr.TraySubBrands)
	applyString(dst, prefix+".tag_uid", &tray.TagUID, tr.TagUID)
	applyInt(dst, prefix+".nozzle_temp_min", &tray.NozzleTempMin, tr.NozzleTempMin)
	applyInt(dst, prefix+".nozzle_temp_max", &tray.NozzleTempMax, tr.NozzleTempMax)
	applyInt(dst, prefix+".remain", &tray.Remain, tr.Remain)
	applyInt(dst, prefix+".cali_idx", &tray.CaliIdx, tr.CaliIdx)
	if tr.K.set && !tr.K.null {
		next := float64(tr.K.value)
		if next != tray.KValue {
			dst.record(prefix+".k_value", tray.KValue, next)
			tray.KValue = next
		}
	}
	if fresh {
		res.Warnings = append(res.Warnings, sink.Warnings...)
		res.record(prefix, nil, *tray)
	}
}

// reduceExternal folds the external spool sections. Single-nozzle models
// report one vt_tray, dual-nozzle models report a vir_slot array.
func (s *State) reduceExternal(p *printReport, pushall bool, res *reduceResult) {
	slots := p.VirSlot
	if p.VtTray != nil {
		slots = append(slots, *p.VtTray)
	}
	seen := map[int]bool{}
	for i := range slots {
		tr := &slots[i]
		unitID := int(tr.ID)
		if unitID < amsIDExternalLeft {
			unitID = amsIDExternalRight
		}
		seen[unitID] = true
		// The external holder is modeled as a single-slot unit; its one
		// tray is always slot 0 regardless of the wire id.
		slot := *tr
		slot.ID = 0
		unit := s.Unit(unitID)
		if unit == nil {
			s.AmsUnits = append(s.AmsUnits, newAmsUnit(unitID))
			slices.SortFunc(s.AmsUnits, func(x, y AmsUnit) int { return x.ID - y.ID })
			unit = s.Unit(unitID)
			var sink reduceResult
			s.applyTray(unit, &slot, &sink)
			res.Warnings = append(res.Warnings, sink.Warnings...)
			res.record(fmt.Sprintf("ams_unit.%d", unitID), nil, *unit)
			continue
		}
		s.applyTray(unit, &slot, res)
	}
	if pushall && len(slots) > 0 {
		s.AmsUnits = slices.DeleteFunc(s.AmsUnits, func(u AmsUnit) bool {
			if u.ID < amsIDExternalLeft || seen[u.ID] {
				return false
			}
			res.record(fmt.Sprintf("ams_unit.%d", u.ID), u, nil)
			return true
		})
	}
}

func (s *State) reduceCatalog(filaments []kProfileReport, res *reduceResult) {
	next := make([]KProfile, len(filaments))
	for i, f := range filaments {
		next[i] = KProfile{
			CaliIdx:    int(f.CaliIdx),
			FilamentID: f.FilamentID,
			SettingID:  f.SettingID,
			Name:       f.Name,
			KValue:     float64(f.KValue),
			ExtruderID: int(f.ExtruderID),
			NozzleTemp: int(f.NozzleTemp),
		}
	}
	slices.SortFunc(next, func(a, b KProfile) int { return a.CaliIdx - b.CaliIdx })
	if slices.Equal(s.KProfiles, next) {
		return
	}
	res.record("k_profiles", s.KProfiles, next)
	s.KProfiles = next
}

func (s *State) reduceInfo(info *infoReport, res *reduceResult) {
	for _, m := range info.Module {
		if m.Name == "ota" && m.SwVer != "" && m.SwVer != s.FirmwareVersion {
			res.record("printer_state.firmware_version", s.FirmwareVersion, m.SwVer)
			s.FirmwareVersion = m.SwVer
		}
	}
}

// clearSelectors blanks the active-tray selectors, called when the session
// drops. Telemetry itself is preserved so UIs can show stale data as
// offline.
func (s *State) clearSelectors(res *reduceResult) {
	for path, sel := range map[string]**int{
		"printer_state.tray_now":        &s.TrayNow,
		"printer_state.tray_now_left":   &s.TrayNowLeft,
		"printer_state.tray_now_right":  &s.TrayNowRight,
		"printer_state.active_extruder": &s.ActiveExtruder,
	} {
		if *sel != nil {
			res.record(path, intPtrValue(*sel), nil)
			*sel = nil
		}
	}
	if s.TrayReadingBits != 0 {
		res.record("printer_state.tray_reading_bits", s.TrayReadingBits, 0)
		s.TrayReadingBits = 0
	}
}
