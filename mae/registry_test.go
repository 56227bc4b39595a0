package mae

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okt-denispr/cns-dpdk-next-sfc/efx"
)

func outerRuleFixture(t *testing.T, ad *Adapter) (*outerRule, *efx.MatchSpec) {
	t.Helper()
	spec, outer, err := ad.ruleParsePattern([]Item{
		{Type: ItemTypeEth},
		{Type: ItemTypeIPv4},
		{Type: ItemTypeUDP},
		vxlanItem(0x42),
	}, 0)
	require.NoError(t, err)
	require.NotNil(t, outer)
	return outer, spec
}

func TestOuterRuleTwoLevelLifecycle(t *testing.T) {
	dev := newFakeDevice()
	ad, err := testAdapter(dev)
	require.NoError(t, err)

	outer, actionSpec := outerRuleFixture(t, ad)
	assert.Equal(t, uint32(1), outer.refcnt)
	assert.Equal(t, uint32(0), outer.fwRsrc.refcnt)
	assert.Len(t, dev.outerRules, 0)

	// First enable hits the hardware, the second one only counts.
	require.NoError(t, ad.outerRuleEnable(outer, actionSpec))
	require.NoError(t, ad.outerRuleEnable(outer, actionSpec))
	assert.Equal(t, uint32(2), outer.fwRsrc.refcnt)
	assert.Len(t, dev.outerRules, 1)

	// The hardware ID must now appear in the dependent spec.
	value, _, ok := actionSpec.FieldGet(efx.FieldOuterRuleID)
	require.True(t, ok)
	assert.NotEqual(t, []byte{0xff, 0xff, 0xff, 0xff}, value)

	require.NoError(t, ad.outerRuleDisable(outer))
	assert.Len(t, dev.outerRules, 1)
	require.NoError(t, ad.outerRuleDisable(outer))
	assert.Len(t, dev.outerRules, 0)
	assert.Equal(t, efx.ResourceIDInvalid, outer.fwRsrc.id)

	ad.outerRuleDel(outer)
	assert.Len(t, ad.outerRules, 0)
}

func TestOuterRuleDedup(t *testing.T) {
	ad, err := testAdapter(newFakeDevice())
	require.NoError(t, err)

	outer1, _ := outerRuleFixture(t, ad)
	outer2, _ := outerRuleFixture(t, ad)

	assert.Same(t, outer1, outer2)
	assert.Equal(t, uint32(2), outer1.refcnt)
	assert.Len(t, ad.outerRules, 1)

	ad.outerRuleDel(outer2)
	ad.outerRuleDel(outer1)
	assert.Len(t, ad.outerRules, 0)
}

func TestActionSetEnableCascade(t *testing.T) {
	dev := newFakeDevice()
	ad, err := testAdapter(dev)
	require.NoError(t, err)

	as, err := ad.ruleParseActions([]Action{
		ActionVxlanEncap{Template: defaultEncapTemplate()},
		ActionCount{ID: 1},
		ActionDrop{},
	}, nil)
	require.NoError(t, err)

	require.NoError(t, ad.actionSetEnable(as))
	assert.Len(t, dev.encHeaders, 1)
	assert.Len(t, dev.counters, 1)
	assert.Len(t, dev.actionSets, 1)
	assert.NotEqual(t, efx.ResourceIDInvalid, as.spec.EncapHeaderID())
	assert.NotEqual(t, efx.CounterIDInvalid, as.spec.CounterID())
	assert.NotEqual(t, efx.CounterIDInvalid, as.counters[0].maeID)

	require.NoError(t, ad.actionSetDisable(as))
	assert.Zero(t, dev.liveResources())
	assert.Equal(t, efx.ResourceIDInvalid, as.fwRsrc.id)
	assert.Equal(t, efx.CounterIDInvalid, as.counters[0].maeID)

	ad.actionSetDel(as)
	assert.Len(t, ad.actionSets, 0)
	assert.Len(t, ad.encapHeaders, 0)
}

func TestActionSetEnableRollsBackOnAllocFailure(t *testing.T) {
	dev := newFakeDevice()
	ad, err := testAdapter(dev)
	require.NoError(t, err)

	as, err := ad.ruleParseActions([]Action{
		ActionVxlanEncap{Template: defaultEncapTemplate()},
		ActionCount{ID: 1},
		ActionDrop{},
	}, nil)
	require.NoError(t, err)
	defer ad.actionSetDel(as)

	dev.failActionSetAlloc = errors.New("no firmware room")
	require.Error(t, ad.actionSetEnable(as))

	// The encap. header and the counter enabled along the way must
	// be gone again.
	assert.Zero(t, dev.liveResources())
	assert.Equal(t, uint32(0), as.fwRsrc.refcnt)
	assert.Equal(t, uint32(0), as.encapHeader.fwRsrc.refcnt)

	dev.failActionSetAlloc = nil
	require.NoError(t, ad.actionSetEnable(as))
	require.NoError(t, ad.actionSetDisable(as))
	assert.Zero(t, dev.liveResources())
}

func TestActionSetEnableRollsBackOnCounterFailure(t *testing.T) {
	dev := newFakeDevice()
	ad, err := testAdapter(dev)
	require.NoError(t, err)

	as, err := ad.ruleParseActions([]Action{
		ActionVxlanEncap{Template: defaultEncapTemplate()},
		ActionCount{ID: 1},
		ActionDrop{},
	}, nil)
	require.NoError(t, err)
	defer ad.actionSetDel(as)

	dev.failCounterAlloc = errors.New("no counters")
	require.Error(t, ad.actionSetEnable(as))
	assert.Zero(t, dev.liveResources())

	dev.failCounterAlloc = nil
	require.NoError(t, ad.actionSetEnable(as))
	require.NoError(t, ad.actionSetDisable(as))
	assert.Zero(t, dev.liveResources())
}

// requireFwInvariant asserts the two-level coupling: the firmware ID
// is the invalid sentinel exactly when zero enables are outstanding.
func requireFwInvariant(t *testing.T, fw *fwRsrc) {
	t.Helper()
	if fw.refcnt == 0 {
		require.Equal(t, efx.ResourceIDInvalid, fw.id)
	} else {
		require.NotEqual(t, efx.ResourceIDInvalid, fw.id)
	}
}

func TestOuterRuleLifecycleInvariantRandomOps(t *testing.T) {
	dev := newFakeDevice()
	ad, err := testAdapter(dev)
	require.NoError(t, err)

	outer, actionSpec := outerRuleFixture(t, ad)
	rng := rand.New(rand.NewSource(1))
	swRefs, hwRefs := 1, 0

	for i := 0; i < 500; i++ {
		switch rng.Intn(4) {
		case 0:
			require.Same(t, outer,
				ad.outerRuleAttach(outer.matchSpec, outer.encapType))
			swRefs++
		case 1:
			// Keep the last software reference so the entry
			// stays registered for the whole run.
			if swRefs > 1 {
				ad.outerRuleDel(outer)
				swRefs--
			}
		case 2:
			require.NoError(t, ad.outerRuleEnable(outer, actionSpec))
			hwRefs++
		case 3:
			if hwRefs > 0 {
				require.NoError(t, ad.outerRuleDisable(outer))
				hwRefs--
			}
		}

		requireFwInvariant(t, &outer.fwRsrc)
		require.Equal(t, uint32(hwRefs), outer.fwRsrc.refcnt)
		if hwRefs > 0 {
			require.Len(t, dev.outerRules, 1)
		} else {
			require.Len(t, dev.outerRules, 0)
		}
	}

	for ; hwRefs > 0; hwRefs-- {
		require.NoError(t, ad.outerRuleDisable(outer))
		requireFwInvariant(t, &outer.fwRsrc)
	}
	for ; swRefs > 0; swRefs-- {
		ad.outerRuleDel(outer)
	}
	assert.Len(t, ad.outerRules, 0)
	assert.Zero(t, dev.liveResources())
}

func TestActionSetLifecycleInvariantRandomOps(t *testing.T) {
	dev := newFakeDevice()
	ad, err := testAdapter(dev)
	require.NoError(t, err)

	as, err := ad.ruleParseActions([]Action{
		ActionVxlanEncap{Template: defaultEncapTemplate()},
		ActionCount{ID: 1},
		ActionDrop{},
	}, nil)
	require.NoError(t, err)
	hwRefs := 0

	// The simulated NIC issues counter IDs sequentially, so the op
	// count must keep the total allocations under its counter limit.
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 100; i++ {
		if rng.Intn(2) == 0 {
			require.NoError(t, ad.actionSetEnable(as))
			hwRefs++
		} else if hwRefs > 0 {
			require.NoError(t, ad.actionSetDisable(as))
			hwRefs--
		}

		// The cascade keeps the dependencies in lockstep with the
		// owning action set.
		requireFwInvariant(t, &as.fwRsrc)
		requireFwInvariant(t, &as.encapHeader.fwRsrc)
		require.Equal(t, uint32(hwRefs), as.fwRsrc.refcnt)
		if hwRefs > 0 {
			require.NotEqual(t, efx.CounterIDInvalid, as.counters[0].maeID)
		} else {
			require.Equal(t, efx.CounterIDInvalid, as.counters[0].maeID)
		}
	}

	for ; hwRefs > 0; hwRefs-- {
		require.NoError(t, ad.actionSetDisable(as))
		requireFwInvariant(t, &as.fwRsrc)
	}
	ad.actionSetDel(as)
	assert.Len(t, ad.actionSets, 0)
	assert.Zero(t, dev.liveResources())
}

func TestEncapHeaderSharedAcrossEnabledSets(t *testing.T) {
	dev := newFakeDevice()
	ad, err := testAdapter(dev)
	require.NoError(t, err)

	template := defaultEncapTemplate()
	as1, err := ad.ruleParseActions([]Action{
		ActionVxlanEncap{Template: template},
		ActionDrop{},
	}, nil)
	require.NoError(t, err)
	as2, err := ad.ruleParseActions([]Action{
		ActionVxlanEncap{Template: template},
		ActionMark{ID: 2},
		ActionDrop{},
	}, nil)
	require.NoError(t, err)

	require.NoError(t, ad.actionSetEnable(as1))
	require.NoError(t, ad.actionSetEnable(as2))

	// One hardware header backs both enabled sets.
	assert.Len(t, dev.encHeaders, 1)
	assert.Equal(t, uint32(2), as1.encapHeader.fwRsrc.refcnt)
	assert.Equal(t, as1.spec.EncapHeaderID(), as2.spec.EncapHeaderID())

	require.NoError(t, ad.actionSetDisable(as1))
	assert.Len(t, dev.encHeaders, 1)
	require.NoError(t, ad.actionSetDisable(as2))
	assert.Len(t, dev.encHeaders, 0)

	ad.actionSetDel(as1)
	ad.actionSetDel(as2)
	assert.Zero(t, dev.liveResources())
}
