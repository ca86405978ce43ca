package bambu

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrameRejectsOversize(t *testing.T) {
	payload := `{"print":{"gcode_file":"` + strings.Repeat("a", maxFrameSize) + `"}}`
	_, err := parseFrame([]byte(payload))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestParseFrameRejectsMalformed(t *testing.T) {
	_, err := parseFrame([]byte(`{"print":`))
	require.Error(t, err)
}

func TestParseFrameIgnoresUnknownSections(t *testing.T) {
	frame, err := parseFrame([]byte(`{"camera":{"resolution":"1080p"},"print":{"mc_percent":5}}`))
	require.NoError(t, err)
	require.NotNil(t, frame.Print)
	assert.True(t, frame.Print.McPercent.set)
}

func TestFlexIntDecoding(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{name: "bare", in: `7`, want: 7},
		{name: "quoted", in: `"7"`, want: 7},
		{name: "quoted float", in: `"25.0"`, want: 25},
		{name: "empty string", in: `""`, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f flexInt
			require.NoError(t, json.Unmarshal([]byte(tt.in), &f))
			assert.Equal(t, tt.want, int(f))
		})
	}

	var f flexInt
	assert.Error(t, json.Unmarshal([]byte(`"abc"`), &f))
}

func TestFieldTracksPresence(t *testing.T) {
	var doc struct {
		A field[string] `json:"a"`
		B field[string] `json:"b"`
		C field[string] `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"x","b":null}`), &doc))

	assert.True(t, doc.A.set)
	assert.False(t, doc.A.null)
	assert.Equal(t, "x", doc.A.value)

	assert.True(t, doc.B.set)
	assert.True(t, doc.B.null)

	assert.False(t, doc.C.set)
}

func TestIsPushallResponse(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    bool
	}{
		{
			name:    "full dump",
			payload: `{"print":{"ams":{"ams":[],"tray_now":"255"},"vt_tray":{"id":"254"}}}`,
			want:    true,
		},
		{
			name:    "dual nozzle dump",
			payload: `{"print":{"ams":{"ams":[],"tray_now":"255"},"vir_slot":[{"id":"254"},{"id":"255"}]}}`,
			want:    true,
		},
		{
			name:    "incremental ams",
			payload: `{"print":{"ams":{"ams":[{"id":"0"}]}}}`,
			want:    false,
		},
		{
			name:    "status only",
			payload: `{"print":{"gcode_state":"RUNNING"}}`,
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := parseFrame([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.want, frame.isPushallResponse())
		})
	}
}
