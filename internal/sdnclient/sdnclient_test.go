package sdnclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/fl-testbed-observer/internal/model"
)

func TestNormalizeDPIDForms(t *testing.T) {
	cases := []struct {
		in       interface{}
		wantCan  string
		wantInt  uint64
	}{
		{float64(1), "0000000000000001", 1},
		{"000072935aa3324a", "000072935aa3324a", 0x72935aa3324a},
		{"0x2", "0000000000000002", 2},
	}
	for _, tc := range cases {
		canonical, integer, err := NormalizeDPID(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.wantCan, canonical)
		assert.Equal(t, tc.wantInt, integer)
	}
}

func TestNormalizeDPIDMalformed(t *testing.T) {
	_, _, err := NormalizeDPID("not-a-dpid!!")
	assert.ErrorIs(t, err, ErrMalformedDPID)
}

func TestTranslateActionsSymbolicPorts(t *testing.T) {
	out := translateActions([]model.FlowAction{{Type: "OUTPUT", Port: "NORMAL"}, {Type: "FORWARD", Port: "CONTROLLER"}})
	require.Len(t, out, 2)
	assert.Equal(t, "OUTPUT", out[0]["type"])
	assert.EqualValues(t, portNormal, out[0]["port"])
	assert.Equal(t, "OUTPUT", out[1]["type"])
	assert.EqualValues(t, portController, out[1]["port"])
}
