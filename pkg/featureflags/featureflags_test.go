package featureflags

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_SeedsDefaultFlags(t *testing.T) {
	s := New()
	assert.True(t, s.Enabled(SchemaVersioning))
	assert.True(t, s.Enabled(IndexVersioning))
	assert.True(t, s.Enabled(BinarySerialisation))
}

func TestEnabled_UnknownFlagDefaultsFalse(t *testing.T) {
	s := New()
	assert.False(t, s.Enabled("does-not-exist"))
}

func TestSet_TogglesFlag(t *testing.T) {
	s := New()
	s.Set(SchemaVersioning, false)
	assert.False(t, s.Enabled(SchemaVersioning))
}

func TestSet_IntroducesNewFlag(t *testing.T) {
	s := New()
	s.Set("gpu-experimental-join", true)
	assert.True(t, s.Enabled("gpu-experimental-join"))
}

func TestFromMap_OverridesDefaultsKeepsOmittedFlags(t *testing.T) {
	s := FromMap(map[string]bool{SchemaVersioning: false})
	assert.False(t, s.Enabled(SchemaVersioning))
	assert.True(t, s.Enabled(IndexVersioning), "omitted flags keep engine defaults")
}

func TestAll_ReturnsIndependentSnapshot(t *testing.T) {
	s := New()
	snapshot := s.All()
	snapshot[SchemaVersioning] = false

	assert.True(t, s.Enabled(SchemaVersioning), "mutating the snapshot must not affect the set")
}
