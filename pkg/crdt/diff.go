package crdt

// Equal reports whether a and b hold the same value, ignoring the
// Merge Engine's origin bookkeeping.
func Equal(a, b Node) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindText:
		return a.Text == b.Text
	case KindInt:
		return a.Int == b.Int
	case KindBool:
		return a.Bool == b.Bool
	case KindBinary:
		if len(a.Bin) != len(b.Bin) {
			return false
		}
		for i := range a.Bin {
			if a.Bin[i] != b.Bin[i] {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.Map) != len(b.Map) {
			return false
		}
		for k, av := range a.Map {
			bv, ok := b.Map[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	case KindList:
		if len(a.List) != len(b.List) {
			return false
		}
		for i := range a.List {
			if !Equal(a.List[i], b.List[i]) {
				return false
			}
		}
		return true
	default: // tombstone
		return true
	}
}

// Diff computes the minimal delta that, merged onto base, yields staged.
// Returns changed=false when the trees are identical. A staged entry
// carries only this delta as its payload: writes the transaction never
// touched stay out of the payload, so a concurrent sibling's update to an
// untouched leaf is not clobbered by a re-stamped stale copy.
func Diff(base, staged Node) (delta Node, changed bool) {
	if Equal(base, staged) {
		return Node{}, false
	}
	if base.Kind == KindList && staged.Kind == KindList {
		// Lists are append-only through the adapters: the delta carries
		// just the appended suffix, so each element stays owned by the
		// entry that inserted it (the list merge keys elements by that
		// origin). A non-append rewrite falls through to wholesale
		// replacement, which the adapters never produce.
		if suffix, ok := appendedSuffix(base, staged); ok {
			return List(suffix), true
		}
		return staged, true
	}
	if base.Kind != KindMap || staged.Kind != KindMap {
		return staged, true
	}

	out := make(map[string]Node)
	for k, sv := range staged.Map {
		bv, ok := base.Map[k]
		if !ok {
			out[k] = sv
			continue
		}
		if d, ch := Diff(bv, sv); ch {
			out[k] = d
		}
	}
	// Keys present in base but dropped from staged would be silent
	// erasures; adapters delete via tombstones, so a missing key here
	// means the staged tree was rebuilt without it and the deletion must
	// still be explicit.
	for k := range base.Map {
		if _, ok := staged.Map[k]; !ok {
			out[k] = Tombstone()
		}
	}
	if len(out) == 0 {
		return Node{}, false
	}
	return Map(out), true
}

// appendedSuffix reports whether staged extends base without touching
// its existing elements, returning the new trailing elements.
func appendedSuffix(base, staged Node) ([]Node, bool) {
	if len(staged.List) < len(base.List) {
		return nil, false
	}
	for i := range base.List {
		if !Equal(base.List[i], staged.List[i]) {
			return nil, false
		}
	}
	return append([]Node(nil), staged.List[len(base.List):]...), true
}
