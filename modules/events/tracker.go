package events

// tracker folds published events into the last-known view handed to new
// subscribers as initial_state. It is only touched under the bus lock.
type tracker struct {
	device   DeviceState
	printers map[string]bool
	states   map[string]any
}

func newTracker() tracker {
	return tracker{
		printers: make(map[string]bool),
		states:   make(map[string]any),
	}
}

func (t *tracker) fold(e Event) {
	switch e.Type {
	case TypePrinterConnected:
		t.printers[e.Serial] = true
	case TypePrinterDisconnected:
		t.printers[e.Serial] = false
	case TypePrinterRemoved:
		delete(t.printers, e.Serial)
		delete(t.states, e.Serial)
	case TypePrinterState:
		if ps, ok := e.Payload.(PrinterState); ok && ps.State != nil {
			t.states[e.Serial] = ps.State
		}
	case TypeDeviceConnected:
		t.device.Connected = true
	case TypeDeviceDisconnected:
		t.device.Connected = false
	case TypeDeviceState:
		if ds, ok := e.Payload.(DeviceState); ok {
			t.device = ds
		}
	case TypeWeight:
		if w, ok := e.Payload.(Weight); ok {
			grams := w.Grams
			t.device.LastWeight = &grams
			t.device.WeightStable = w.Stable
		}
	case TypeTagDetected:
		if tag, ok := e.Payload.(Tag); ok {
			id := tag.TagID
			t.device.CurrentTagID = &id
		}
	case TypeTagRemoved:
		t.device.CurrentTagID = nil
	}
}

func (t *tracker) snapshot() InitialState {
	snap := InitialState{
		Device:   t.device,
		Printers: make(map[string]bool, len(t.printers)),
		States:   make(map[string]any, len(t.states)),
	}
	for serial, connected := range t.printers {
		snap.Printers[serial] = connected
	}
	for serial, state := range t.states {
		snap.States[serial] = state
	}
	return snap
}
