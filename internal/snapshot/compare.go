package snapshot

import "scene-sync/engine/internal/core"

// CompareOptions injects the host equality predicate and the local
// skip-rewinding flags, which the wire does not carry.
type CompareOptions struct {
	Equal         func(a, b core.Variant) bool
	SkipRewinding func(netID core.ObjectNetID, varID core.VarID) bool
}

// CompareResult reports whether a rewind is needed. NoRewind holds
// only the skip-rewinding diffs; those are patched in place without
// replaying inputs even when the rest matches.
type CompareResult struct {
	Equal          bool
	NoRewind       Snapshot
	DivergedNetIDs []core.ObjectNetID
	DivergedVars   []VarDiff
}

// VarDiff pins one diverged variable with both sides' values. Client
// is the nil variant when the prediction never covered the slot.
type VarDiff struct {
	NetID  core.ObjectNetID
	VarID  core.VarID
	Name   string
	Server core.Variant
	Client core.Variant
}

// Compare diffs the authoritative server snapshot against the locally
// predicted client snapshot at the same input id. Only variables the
// server actually shipped (HasValue) participate.
func Compare(server, client Snapshot, opts CompareOptions) CompareResult {
	equal := opts.Equal
	if equal == nil {
		equal = func(a, b core.Variant) bool { return a.Equal(b) }
	}
	skip := opts.SkipRewinding
	if skip == nil {
		skip = func(core.ObjectNetID, core.VarID) bool { return false }
	}

	res := CompareResult{Equal: true}
	res.NoRewind.InputID = server.InputID

	for _, so := range server.Objects {
		co := client.Object(so.NetID)
		diverged := false

		for i, sv := range so.Vars {
			if !sv.HasValue {
				continue
			}
			var cv *VarSlot
			if co != nil && i < len(co.Vars) && co.Vars[i].HasValue {
				cv = &co.Vars[i]
			}
			same := cv != nil && equal(sv.Value, cv.Value)
			if same {
				continue
			}
			if skip(so.NetID, core.VarID(i)) {
				o := res.NoRewind.Upsert(so.NetID)
				for len(o.Vars) <= i {
					o.Vars = append(o.Vars, VarSlot{})
				}
				o.Vars[i] = VarSlot{Name: sv.Name, HasValue: true, Value: sv.Value.Clone()}
				continue
			}
			diverged = true
			diff := VarDiff{NetID: so.NetID, VarID: core.VarID(i), Name: sv.Name, Server: sv.Value}
			if cv != nil {
				diff.Client = cv.Value
			}
			res.DivergedVars = append(res.DivergedVars, diff)
		}

		if diverged {
			res.Equal = false
			res.DivergedNetIDs = append(res.DivergedNetIDs, so.NetID)
		}
	}

	return res
}
