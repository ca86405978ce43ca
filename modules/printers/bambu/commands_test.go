package bambu

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandMarshal(t *testing.T) {
	cmd := AmsFilamentSetting(FilamentSetting{
		AmsID:         1,
		TrayID:        2,
		TrayInfoIdx:   "GFL99",
		SettingID:     "S1",
		TrayType:      "PLA",
		TrayColor:     "00ff00ff",
		NozzleTempMin: 190,
		NozzleTempMax: 230,
	})
	payload, err := cmd.marshal("42")
	require.NoError(t, err)

	var doc map[string]map[string]any
	require.NoError(t, json.Unmarshal(payload, &doc))
	body, ok := doc["print"]
	require.True(t, ok)
	assert.Equal(t, "ams_filament_setting", body["command"])
	assert.Equal(t, "42", body["sequence_id"])
	assert.Equal(t, float64(1), body["ams_id"])
	assert.Equal(t, float64(2), body["tray_id"])
	assert.Equal(t, "00FF00FF", body["tray_color"], "color is normalized to upper case")
}

func TestExternalSlotUsesWireConvention(t *testing.T) {
	cmd := AmsFilamentSetting(FilamentSetting{AmsID: 255, TrayID: 0, TrayType: "PLA"})
	assert.Equal(t, 255, cmd.Fields["ams_id"])
	assert.Equal(t, 254, cmd.Fields["tray_id"])
}

func TestSequenceIDsAreUniqueAndMonotonic(t *testing.T) {
	a := nextSequenceID()
	b := nextSequenceID()
	assert.NotEqual(t, a, b)
	assert.Less(t, len(a), 21, "decimal rendering of a uint64")
}

func TestPushallIsFireAndForget(t *testing.T) {
	cmd := Pushall()
	assert.Equal(t, "pushing", cmd.Group)
	assert.True(t, cmd.NoAck)
}

func TestAckExtraction(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    int
	}{
		{
			name:    "print ack",
			payload: `{"print":{"command":"ams_filament_setting","sequence_id":"9","result":"success"}}`,
			want:    1,
		},
		{
			name:    "info ack",
			payload: `{"info":{"command":"get_version","sequence_id":"4","result":"success","module":[]}}`,
			want:    1,
		},
		{
			name:    "status push is not an ack",
			payload: `{"print":{"command":"push_status","sequence_id":"2021","gcode_state":"RUNNING"}}`,
			want:    0,
		},
		{
			name:    "missing sequence id",
			payload: `{"print":{"command":"ams_filament_setting","result":"success"}}`,
			want:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := parseFrame([]byte(tt.payload))
			require.NoError(t, err)
			assert.Len(t, frame.acks(), tt.want)
		})
	}
}

func TestAckErr(t *testing.T) {
	ok := Ack{Command: "ams_filament_setting", Result: "success"}
	assert.True(t, ok.OK())
	assert.NoError(t, ok.Err())

	noResult := Ack{Command: "ams_get_rfid"}
	assert.True(t, noResult.OK())

	failed := Ack{Command: "extrusion_cali_set", Result: "fail", Reason: "tray busy"}
	assert.False(t, failed.OK())
	require.Error(t, failed.Err())
	assert.Contains(t, failed.Err().Error(), "tray busy")
}
