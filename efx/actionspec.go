package efx

import "fmt"

const (
	// VLANTagsMax is the deepest tag stack push/pop the engine handles.
	VLANTagsMax = 2
)

// VLANPush is one pushed tag: the tag protocol ID and the full TCI.
type VLANPush struct {
	TPID uint16
	TCI  uint16
}

// ActionSpec is a compiled action set specification. Populate calls
// append behavior; fill-in calls patch in resource IDs at enable time.
// Not safe for concurrent use.
type ActionSpec struct {
	decap    bool
	vlanPop  int
	vlanPush []VLANPush
	encap    bool
	count    int
	flag     bool
	mark     bool
	markV    uint32
	deliver  bool
	deliverM Mport
	drop     bool

	// Filled in while the owning action set is enabled.
	encapHeaderID ResourceID
	counterID     CounterID
}

func NewActionSpec() *ActionSpec {
	return &ActionSpec{
		encapHeaderID: ResourceIDInvalid,
		counterID:     CounterIDInvalid,
	}
}

func (self *ActionSpec) PopulateDecap() error {
	if self.decap {
		return fmt.Errorf("efx: decap already requested")
	}
	self.decap = true
	return nil
}

func (self *ActionSpec) PopulateVLANPop() error {
	if self.vlanPop >= VLANTagsMax {
		return fmt.Errorf("efx: cannot pop more than %d tags", VLANTagsMax)
	}
	self.vlanPop++
	return nil
}

func (self *ActionSpec) PopulateVLANPush(tpid, tci uint16) error {
	if len(self.vlanPush) >= VLANTagsMax {
		return fmt.Errorf("efx: cannot push more than %d tags", VLANTagsMax)
	}
	self.vlanPush = append(self.vlanPush, VLANPush{TPID: tpid, TCI: tci})
	return nil
}

func (self *ActionSpec) PopulateEncap() error {
	if self.encap {
		return fmt.Errorf("efx: encap already requested")
	}
	self.encap = true
	return nil
}

func (self *ActionSpec) PopulateCount() error {
	if self.count != 0 {
		return fmt.Errorf("efx: count already requested")
	}
	self.count = 1
	return nil
}

func (self *ActionSpec) PopulateFlag() error {
	if self.flag {
		return fmt.Errorf("efx: flag already requested")
	}
	self.flag = true
	return nil
}

func (self *ActionSpec) PopulateMark(value uint32) error {
	if self.mark {
		return fmt.Errorf("efx: mark already requested")
	}
	self.mark = true
	self.markV = value
	return nil
}

func (self *ActionSpec) PopulateDeliver(mport Mport) error {
	if self.deliver || self.drop {
		return fmt.Errorf("efx: delivery already requested")
	}
	self.deliver = true
	self.deliverM = mport
	return nil
}

func (self *ActionSpec) PopulateDrop() error {
	if self.deliver || self.drop {
		return fmt.Errorf("efx: delivery already requested")
	}
	self.drop = true
	return nil
}

// CountActions reports the number of COUNT actions in the spec.
func (self *ActionSpec) CountActions() int { return self.count }

// FillInEncapHeaderID records the firmware encap. header backing the
// requested encap action. Called while the owning entry is enabled;
// re-enabling after a disable overwrites the stale ID.
func (self *ActionSpec) FillInEncapHeaderID(id ResourceID) error {
	if !self.encap {
		return fmt.Errorf("efx: no encap action to fill the header ID into")
	}
	self.encapHeaderID = id
	return nil
}

// FillInCounterID records the firmware counter backing the COUNT action.
func (self *ActionSpec) FillInCounterID(id CounterID) error {
	if self.count == 0 {
		return fmt.Errorf("efx: no count action to fill the counter ID into")
	}
	self.counterID = id
	return nil
}

func (self *ActionSpec) EncapHeaderID() ResourceID { return self.encapHeaderID }
func (self *ActionSpec) CounterID() CounterID      { return self.counterID }
func (self *ActionSpec) HasDecap() bool            { return self.decap }
func (self *ActionSpec) HasEncap() bool            { return self.encap }
func (self *ActionSpec) HasDrop() bool             { return self.drop }
func (self *ActionSpec) HasFlag() bool             { return self.flag }

// Mark returns the mark value and whether a mark action is present.
func (self *ActionSpec) Mark() (uint32, bool) { return self.markV, self.mark }

// Deliver returns the delivery mport and whether a deliver action is
// present.
func (self *ActionSpec) Deliver() (Mport, bool) { return self.deliverM, self.deliver }

// VLANPops reports the number of popped tags.
func (self *ActionSpec) VLANPops() int { return self.vlanPop }

// VLANPushes returns the pushed tags, outermost last. The returned
// slice must not be modified.
func (self *ActionSpec) VLANPushes() []VLANPush { return self.vlanPush }

// ActionSpecsEqual reports whether two specs request the same behavior.
// Resource IDs filled in at enable time are not part of the identity:
// they change across disable/enable cycles of the same entry.
func ActionSpecsEqual(a, b *ActionSpec) bool {
	if a.decap != b.decap || a.vlanPop != b.vlanPop ||
		a.encap != b.encap || a.count != b.count ||
		a.flag != b.flag || a.drop != b.drop {
		return false
	}
	if a.mark != b.mark || a.markV != b.markV {
		return false
	}
	if a.deliver != b.deliver || a.deliverM != b.deliverM {
		return false
	}
	if len(a.vlanPush) != len(b.vlanPush) {
		return false
	}
	for i := range a.vlanPush {
		if a.vlanPush[i] != b.vlanPush[i] {
			return false
		}
	}
	return true
}
