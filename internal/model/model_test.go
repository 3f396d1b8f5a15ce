package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilitySetSatisfies(t *testing.T) {
	caps := CapabilitySet{"cpu", "gpu", "mem16"}

	assert.True(t, caps.Satisfies(nil))
	assert.True(t, caps.Satisfies(CapabilitySet{}))
	assert.True(t, caps.Satisfies(CapabilitySet{"cpu"}))
	assert.True(t, caps.Satisfies(CapabilitySet{"gpu", "cpu"}))
	assert.False(t, caps.Satisfies(CapabilitySet{"tpu"}))
	assert.False(t, caps.Satisfies(CapabilitySet{"cpu", "tpu"}))

	var empty CapabilitySet
	assert.True(t, empty.Satisfies(nil))
	assert.False(t, empty.Satisfies(CapabilitySet{"cpu"}))
}

func TestRedisKeys(t *testing.T) {
	assert.Equal(t, "result:req-1:sha:abc", ResultKey("req-1", "sha:abc"))
	assert.Equal(t, "inflight:req-1:sha:abc", InflightKey("req-1", "sha:abc"))
}
