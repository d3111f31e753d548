package eventmon

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/r3e-network/fl-testbed-observer/internal/model"
)

func TestToSetAndLinkSet(t *testing.T) {
	switches := []model.Switch{{DPID: "a"}, {DPID: "b"}}
	set := toSet(switches)
	assert.True(t, set["a"])
	assert.True(t, set["b"])
	assert.False(t, set["c"])

	links := []model.Link{{Source: "a", Target: "b"}}
	lset := linkSet(links)
	assert.True(t, lset["a->b"])
}

func TestParsePolicyTimestampFallback(t *testing.T) {
	ts := parsePolicyTimestamp("garbage")
	assert.False(t, ts.IsZero())
}

func TestFirstOr(t *testing.T) {
	assert.Equal(t, "x", firstOr("", "x"))
	assert.Equal(t, "y", firstOr("y", "x"))
}
