package efx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldSetRuleTypeRouting(t *testing.T) {
	action := NewMatchSpec(RuleTypeAction, 0)
	outer := NewMatchSpec(RuleTypeOuter, 0)

	v2 := []byte{0x08, 0x00}
	m2 := []byte{0xff, 0xff}

	assert.NoError(t, action.FieldSet(FieldEtherType, v2, m2))
	assert.Error(t, outer.FieldSet(FieldEtherType, v2, m2))

	assert.NoError(t, outer.FieldSet(FieldEncEtherType, v2, m2))
	assert.Error(t, action.FieldSet(FieldEncEtherType, v2, m2))

	// The virtual network ID belongs to the inner frame match.
	v4 := []byte{0x00, 0x12, 0x34, 0x56}
	m4 := []byte{0x00, 0xff, 0xff, 0xff}
	assert.NoError(t, action.FieldSet(FieldEncVNetID, v4, m4))
	assert.Error(t, outer.FieldSet(FieldEncVNetID, v4, m4))

	// The ingress mport is valid in both.
	assert.NoError(t, action.MportSet(Mport(7)))
	assert.NoError(t, outer.MportSet(Mport(7)))
}

func TestFieldSetRejectsValueOutsideMask(t *testing.T) {
	spec := NewMatchSpec(RuleTypeAction, 0)
	err := spec.FieldSet(FieldEtherType, []byte{0x08, 0x00}, []byte{0xff, 0x00})
	assert.Error(t, err)
}

func TestFieldSetRejectsWrongSize(t *testing.T) {
	spec := NewMatchSpec(RuleTypeAction, 0)
	err := spec.FieldSet(FieldEtherType, []byte{0x08}, []byte{0xff})
	assert.Error(t, err)
}

func TestOuterRuleIDSetKeepsFullMaskForInvalid(t *testing.T) {
	spec := NewMatchSpec(RuleTypeAction, 0)
	require.NoError(t, spec.OuterRuleIDSet(ResourceIDInvalid))

	value, mask, ok := spec.FieldGet(FieldOuterRuleID)
	require.True(t, ok)
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, value)
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, mask)

	outer := NewMatchSpec(RuleTypeOuter, 0)
	assert.Error(t, outer.OuterRuleIDSet(ResourceID(1)))
}

func TestMatchSpecsEqualAndClassEqual(t *testing.T) {
	build := func(dport uint16) *MatchSpec {
		spec := NewMatchSpec(RuleTypeAction, 1)
		if err := spec.FieldSet(FieldL4Dport,
			[]byte{byte(dport >> 8), byte(dport)}, []byte{0xff, 0xff}); err != nil {
			t.Fatal(err)
		}
		return spec
	}

	a := build(80)
	b := build(80)
	c := build(443)

	assert.True(t, MatchSpecsEqual(a, b))
	assert.False(t, MatchSpecsEqual(a, c))

	// Same fields and masks, different values: same class.
	assert.True(t, MatchSpecsClassEqual(a, c))

	// A different priority splits the class.
	d := NewMatchSpec(RuleTypeAction, 2)
	require.NoError(t, d.FieldSet(FieldL4Dport,
		[]byte{0x00, 80}, []byte{0xff, 0xff}))
	assert.False(t, MatchSpecsClassEqual(a, d))

	// An extra field splits the class too.
	require.NoError(t, b.FieldSet(FieldIPProto, []byte{6}, []byte{0xff}))
	assert.False(t, MatchSpecsClassEqual(a, b))
}

func TestMatchSpecString(t *testing.T) {
	spec := NewMatchSpec(RuleTypeAction, 1)
	require.NoError(t, spec.FieldSet(FieldIPProto, []byte{6}, []byte{0xff}))
	require.NoError(t, spec.FieldSet(FieldEtherType, []byte{0x08, 0x00}, []byte{0xff, 0xff}))

	// Map iteration order must not leak into the rendering.
	want := "action prio=1 f0=0800/ffff f9=06/ff"
	for i := 0; i < 10; i++ {
		assert.Equal(t, want, spec.String())
	}
}

func TestValidForCaps(t *testing.T) {
	caps := FieldCaps{
		FieldEtherType: MatchCapExact,
		FieldSrcIP4:    MatchCapMask,
	}

	spec := NewMatchSpec(RuleTypeAction, 0)
	require.NoError(t, spec.FieldSet(FieldEtherType,
		[]byte{0x08, 0x00}, []byte{0xff, 0xff}))
	require.NoError(t, spec.FieldSet(FieldSrcIP4,
		[]byte{10, 0, 0, 0}, []byte{0xff, 0xff, 0xf0, 0x00}))
	assert.True(t, spec.ValidForCaps(caps))

	// A partial mask on an exact-only field is rejected.
	require.NoError(t, spec.FieldSet(FieldEtherType,
		[]byte{0x08, 0x00}, []byte{0xff, 0x00}))
	assert.False(t, spec.ValidForCaps(caps))

	// Any mask on an unsupported field is rejected, all-zeros passes.
	require.NoError(t, spec.FieldSet(FieldEtherType,
		[]byte{0x08, 0x00}, []byte{0xff, 0xff}))
	require.NoError(t, spec.FieldSet(FieldIPTTL, []byte{64}, []byte{0xff}))
	assert.False(t, spec.ValidForCaps(caps))
	require.NoError(t, spec.FieldSet(FieldIPTTL, []byte{0}, []byte{0x00}))
	assert.True(t, spec.ValidForCaps(caps))
}

func TestActionSpecDeliveryConflicts(t *testing.T) {
	spec := NewActionSpec()
	require.NoError(t, spec.PopulateDeliver(Mport(3)))
	assert.Error(t, spec.PopulateDrop())
	assert.Error(t, spec.PopulateDeliver(Mport(4)))

	spec = NewActionSpec()
	require.NoError(t, spec.PopulateDrop())
	assert.Error(t, spec.PopulateDeliver(Mport(3)))
}

func TestActionSpecVLANDepthLimits(t *testing.T) {
	spec := NewActionSpec()
	require.NoError(t, spec.PopulateVLANPush(0x8100, 0x0001))
	require.NoError(t, spec.PopulateVLANPush(0x88a8, 0x0002))
	assert.Error(t, spec.PopulateVLANPush(0x8100, 0x0003))

	require.NoError(t, spec.PopulateVLANPop())
	require.NoError(t, spec.PopulateVLANPop())
	assert.Error(t, spec.PopulateVLANPop())
}

func TestActionSpecsEqualIgnoresFilledInIDs(t *testing.T) {
	a := NewActionSpec()
	b := NewActionSpec()
	require.NoError(t, a.PopulateEncap())
	require.NoError(t, b.PopulateEncap())
	require.NoError(t, a.PopulateDrop())
	require.NoError(t, b.PopulateDrop())

	require.NoError(t, a.FillInEncapHeaderID(ResourceID(42)))
	assert.True(t, ActionSpecsEqual(a, b))

	c := NewActionSpec()
	require.NoError(t, c.PopulateDrop())
	assert.False(t, ActionSpecsEqual(a, c))
}
