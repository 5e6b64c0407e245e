package redisr

// SlotMap is an immutable snapshot of the cluster's slot assignments.
// Each of the 16384 slots maps to the addresses serving it, primary
// first, replicas after. A SlotMap is never mutated once published;
// topology changes install a new snapshot.
type SlotMap struct {
	slots [hashSlots][]string
}

// newSlotMap builds a SlotMap from parsed slot ranges.
func newSlotMap(ranges []slotRange) *SlotMap {
	var m SlotMap
	for _, r := range ranges {
		nodes := append([]string{r.primary}, r.replicas...)
		for slot := r.start; slot <= r.end && slot < hashSlots; slot++ {
			m.slots[slot] = nodes
		}
	}
	return &m
}

// Owner returns the address of the node owning the slot, or "" if the
// slot is unassigned in this snapshot.
func (m *SlotMap) Owner(slot int) string {
	if m == nil || slot < 0 || slot >= hashSlots || len(m.slots[slot]) == 0 {
		return ""
	}
	return m.slots[slot][0]
}

// Replicas returns the replica addresses for the slot, if any.
func (m *SlotMap) Replicas(slot int) []string {
	if m == nil || slot < 0 || slot >= hashSlots || len(m.slots[slot]) < 2 {
		return nil
	}
	return m.slots[slot][1:]
}

// Nodes returns the distinct addresses present in the snapshot,
// owners and replicas alike.
func (m *SlotMap) Nodes() []string {
	if m == nil {
		return nil
	}
	seen := make(map[string]bool)
	var addrs []string
	for _, nodes := range m.slots {
		for _, addr := range nodes {
			if !seen[addr] {
				seen[addr] = true
				addrs = append(addrs, addr)
			}
		}
	}
	return addrs
}

// withOwner returns a copy of the snapshot where the single given slot
// is owned by addr, with no known replicas. Every other slot keeps its
// existing assignment. This is the cheap path for MOVED redirections.
func (m *SlotMap) withOwner(slot int, addr string) *SlotMap {
	if slot < 0 || slot >= hashSlots {
		return m
	}
	var next SlotMap
	if m != nil {
		next.slots = m.slots
	}
	next.slots[slot] = []string{addr}
	return &next
}

// Equal reports whether both snapshots assign every slot identically.
func (m *SlotMap) Equal(o *SlotMap) bool {
	if m == nil || o == nil {
		return m == o
	}
	for slot := 0; slot < hashSlots; slot++ {
		a, b := m.slots[slot], o.slots[slot]
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
	}
	return true
}

// slotRange is one entry of a parsed CLUSTER SLOTS reply.
type slotRange struct {
	start, end int
	primary    string
	replicas   []string
}
