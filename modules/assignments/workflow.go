package assignments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/TheLab-ms/spoolbuddy/modules/events"
	"github.com/TheLab-ms/spoolbuddy/modules/printers"
	"github.com/TheLab-ms/spoolbuddy/modules/printers/bambu"
	"github.com/TheLab-ms/spoolbuddy/modules/spools"
)

// Outcome classifies what became of an assignment request.
type Outcome string

const (
	// OutcomeConfigured means the slot was written on the printer.
	OutcomeConfigured Outcome = "configured"
	// OutcomeStaged means the write was deferred and persisted.
	OutcomeStaged Outcome = "staged"
	// OutcomeStagedReplace is OutcomeStaged overwriting a prior pending
	// assignment for the same slot.
	OutcomeStagedReplace Outcome = "staged_replace"
	// OutcomeError means the request was rejected or the write failed.
	OutcomeError Outcome = "error"
)

// Request binds one spool to one slot. The spool is referenced by id or,
// for scan-driven flows, by NFC tag.
type Request struct {
	PrinterSerial string `json:"printer_serial"`
	AmsID         int    `json:"ams_id"`
	TrayID        int    `json:"tray_id"`
	SpoolID       int64  `json:"spool_id,omitempty"`
	TagID         string `json:"tag_id,omitempty"`
}

// Result is returned for every request, including rejected ones.
type Result struct {
	Outcome Outcome `json:"outcome"`
	SpoolID int64   `json:"spool_id,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// Assign runs the slot assignment workflow and publishes the outcome.
// The write happens inline when the printer will accept it, otherwise
// the assignment is staged for the watcher to commit later.
func (m *Module) Assign(ctx context.Context, req Request) Result {
	res := m.assign(ctx, req)
	m.bus.Publish(events.Event{
		Type:   events.TypeAssignmentResult,
		Serial: req.PrinterSerial,
		Payload: events.AssignmentResult{
			Outcome: string(res.Outcome),
			Serial:  req.PrinterSerial,
			AmsID:   req.AmsID,
			TrayID:  req.TrayID,
			SpoolID: res.SpoolID,
			Error:   res.Error,
		},
	})
	m.audit.Log(ctx, "assignments", string(res.Outcome), req.PrinterSerial, res.SpoolID, res.Outcome != OutcomeError, res.Error)
	return res
}

func (m *Module) assign(ctx context.Context, req Request) Result {
	spool, err := m.lookupSpool(ctx, req)
	if errors.Is(err, sql.ErrNoRows) {
		return Result{Outcome: OutcomeError, Error: "no such spool"}
	}
	if err != nil {
		return Result{Outcome: OutcomeError, Error: err.Error()}
	}

	if _, err := m.printers.Lookup(ctx, req.PrinterSerial); errors.Is(err, sql.ErrNoRows) {
		return Result{Outcome: OutcomeError, SpoolID: spool.ID, Error: "no such printer"}
	} else if err != nil {
		return Result{Outcome: OutcomeError, SpoolID: spool.ID, Error: err.Error()}
	}

	sess, ok := m.printers.Session(req.PrinterSerial)
	var snap *bambu.State
	if ok {
		snap = sess.Snapshot()
	}
	if mustStage(snap, req.AmsID, req.TrayID) {
		replaced, err := m.stage(ctx, req.PrinterSerial, req.AmsID, req.TrayID, spool.ID)
		if err != nil {
			return Result{Outcome: OutcomeError, SpoolID: spool.ID, Error: err.Error()}
		}
		if replaced {
			return Result{Outcome: OutcomeStagedReplace, SpoolID: spool.ID}
		}
		return Result{Outcome: OutcomeStaged, SpoolID: spool.ID}
	}

	if err := m.configure(ctx, sess, snap, spool, req.AmsID, req.TrayID); err != nil {
		return Result{Outcome: OutcomeError, SpoolID: spool.ID, Error: err.Error()}
	}
	// The slot was just written, so any pending assignment for it is stale.
	m.clearSlot(ctx, req.PrinterSerial, req.AmsID, req.TrayID)
	return Result{Outcome: OutcomeConfigured, SpoolID: spool.ID}
}

func (m *Module) lookupSpool(ctx context.Context, req Request) (*spools.Spool, error) {
	if req.SpoolID > 0 {
		return m.spools.Get(ctx, req.SpoolID)
	}
	return m.spools.GetByTag(ctx, req.TagID)
}

// mustStage reports whether the slot cannot be written right now: the
// printer is offline, or the current job is extruding from that very slot.
func mustStage(st *bambu.State, amsID, trayID int) bool {
	if st == nil || !st.Connected {
		return true
	}
	switch st.GcodeState {
	case bambu.GcodeRunning, bambu.GcodePause, bambu.GcodePrepare:
		return isActiveTray(st, amsID, trayID)
	}
	return false
}

// isActiveTray reports whether any selector points at the slot. Selectors
// encode AMS slots as ams_id*4+tray_id and external holders as 254.
func isActiveTray(st *bambu.State, amsID, trayID int) bool {
	want := amsID*4 + trayID
	if amsID >= 254 {
		want = 254
	}
	for _, sel := range []*int{st.TrayNow, st.TrayNowLeft, st.TrayNowRight} {
		if sel != nil && *sel == want {
			return true
		}
	}
	return false
}

// configure writes the spool onto the slot: the filament identity always,
// followed by the calibration selection when the spool carries one. Both
// commands go out under a single hold of the printer's write lock.
func (m *Module) configure(ctx context.Context, sess printers.Session, snap *bambu.State, spool *spools.Spool, amsID, trayID int) error {
	setting, cali := deriveCommands(snap, spool, amsID, trayID)
	return sess.Batch(ctx, func(ctx context.Context) error {
		ack, err := sess.CallHeld(ctx, bambu.AmsFilamentSetting(setting))
		if err != nil {
			return fmt.Errorf("writing filament setting: %w", err)
		}
		if err := ack.Err(); err != nil {
			return err
		}
		if cali == nil {
			return nil
		}
		ack, err = sess.CallHeld(ctx, bambu.ExtrusionCaliSet(*cali))
		if err != nil {
			return fmt.Errorf("selecting calibration profile: %w", err)
		}
		return ack.Err()
	})
}

// deriveCommands maps a spool onto the wire commands for one slot. When the
// spool references a calibration profile the printer already knows, the
// printer's own catalog entry wins over the spool's stored preset ids.
func deriveCommands(snap *bambu.State, spool *spools.Spool, amsID, trayID int) (bambu.FilamentSetting, *bambu.CaliSetting) {
	var profile *bambu.KProfile
	if snap != nil && spool.CaliIdx >= 0 {
		for i := range snap.KProfiles {
			if snap.KProfiles[i].CaliIdx == spool.CaliIdx {
				profile = &snap.KProfiles[i]
				break
			}
		}
	}

	infoIdx := spool.TrayInfoIdx
	if profile != nil && profile.FilamentID != "" {
		infoIdx = profile.FilamentID
	}
	settingID := spool.SettingID
	if profile != nil && settingID == "" {
		settingID = profile.SettingID
	}

	setting := bambu.FilamentSetting{
		AmsID:         amsID,
		TrayID:        trayID,
		TrayInfoIdx:   infoIdx,
		SettingID:     settingID,
		TrayType:      spool.Material,
		TrayColor:     wireColor(spool.ColorHex),
		NozzleTempMin: spool.NozzleTempMin,
		NozzleTempMax: spool.NozzleTempMax,
	}
	if spool.CaliIdx < 0 {
		return setting, nil
	}

	cali := &bambu.CaliSetting{
		AmsID:      amsID,
		TrayID:     trayID,
		CaliIdx:    spool.CaliIdx,
		FilamentID: infoIdx,
		SettingID:  settingID,
		KValue:     spool.KValue,
	}
	if profile != nil {
		cali.NozzleTemp = profile.NozzleTemp
		if spool.KValue == 0 {
			cali.KValue = profile.KValue
		}
	}
	return setting, cali
}

// wireColor normalizes "#RRGGBB" or "RRGGBB" into the printer's RRGGBBAA.
func wireColor(hex string) string {
	c := strings.TrimPrefix(strings.TrimSpace(hex), "#")
	if len(c) == 6 {
		c += "FF"
	}
	return strings.ToUpper(c)
}

// watch retries staged assignments whenever their printer posts new state.
// The subscription is rebuilt if the bus evicts it.
func (m *Module) watch(ctx context.Context) error {
	for ctx.Err() == nil {
		sub := m.bus.Subscribe(func(e events.Event) bool { return e.Type == events.TypePrinterState })
		m.consume(ctx, sub)
		sub.Close()
	}
	return ctx.Err()
}

func (m *Module) consume(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			m.commitStaged(ctx, e.Serial)
		}
	}
}

func (m *Module) commitStaged(ctx context.Context, serial string) {
	staged, err := m.stagedForPrinter(ctx, serial)
	if err != nil {
		slog.Error("listing staged assignments", "error", err, "serial", serial)
		return
	}
	for _, item := range staged {
		m.tryCommit(ctx, item)
	}
}

// tryCommit attempts the configure sequence for one staged assignment,
// deleting the row and publishing the result on success. Failed attempts
// back off so state churn from the printer can't spam it with commands.
func (m *Module) tryCommit(ctx context.Context, item *StagedAssignment) bool {
	if m.recentlyAttempted(item.ID) {
		return false
	}
	sess, ok := m.printers.Session(item.PrinterSerial)
	if !ok {
		return false
	}
	snap := sess.Snapshot()
	if mustStage(snap, item.AmsID, item.TrayID) {
		return false
	}

	spool, err := m.spools.Get(ctx, item.SpoolID)
	if err != nil {
		// Without the spool the pending assignment is meaningless.
		if errors.Is(err, sql.ErrNoRows) {
			m.deleteStaged(ctx, item.ID)
		}
		return false
	}

	if err := m.configure(ctx, sess, snap, spool, item.AmsID, item.TrayID); err != nil {
		slog.Warn("staged assignment could not be committed", "item", item, "error", err)
		m.noteAttempt(item.ID)
		return false
	}
	if _, err := m.deleteStaged(ctx, item.ID); err != nil {
		slog.Error("deleting committed staged assignment", "error", err, "item", item)
	}
	m.clearAttempt(item.ID)
	slog.Info("committed staged assignment", "item", item)

	m.bus.Publish(events.Event{
		Type:   events.TypeAssignmentResult,
		Serial: item.PrinterSerial,
		Payload: events.AssignmentResult{
			Outcome: string(OutcomeConfigured),
			Serial:  item.PrinterSerial,
			AmsID:   item.AmsID,
			TrayID:  item.TrayID,
			SpoolID: item.SpoolID,
		},
	})
	m.audit.Log(ctx, "assignments", string(OutcomeConfigured), item.PrinterSerial, item.SpoolID, true, "committed after staging")
	return true
}

const retryBackoff = 30 * time.Second

func (m *Module) recentlyAttempted(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.lastAttempt[id]) < retryBackoff
}

func (m *Module) noteAttempt(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAttempt[id] = time.Now()
}

func (m *Module) clearAttempt(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lastAttempt, id)
}

// stagedQueue is the safety net behind the delta watcher: a periodic sweep
// that picks up staged assignments whose commit trigger was missed.
type stagedQueue struct {
	m *Module
}

func (q *stagedQueue) GetItem(ctx context.Context) (*StagedAssignment, error) {
	staged, err := q.m.listStaged(ctx)
	if err != nil {
		return nil, err
	}
	for _, item := range staged {
		if q.m.recentlyAttempted(item.ID) {
			continue
		}
		sess, ok := q.m.printers.Session(item.PrinterSerial)
		if !ok {
			continue
		}
		if mustStage(sess.Snapshot(), item.AmsID, item.TrayID) {
			continue
		}
		return item, nil
	}
	return nil, sql.ErrNoRows
}

func (q *stagedQueue) ProcessItem(ctx context.Context, item *StagedAssignment) error {
	if !q.m.tryCommit(ctx, item) {
		return fmt.Errorf("commit attempt failed for %s", item)
	}
	return nil
}

func (q *stagedQueue) UpdateItem(ctx context.Context, item *StagedAssignment, success bool) error {
	// tryCommit already deleted the row or recorded the failed attempt.
	return nil
}
