package workflow

import (
	"sort"
	"strconv"

	"github.com/pitabwire/stagegate/model"
)

// openRevision closes the rejected version of a stage and opens the next one.
// The closed version's approval records move to ApprovalHistory and every
// required approver starts over as pending. Evidence is kept and stays tagged
// with the version it was attached to.
func openRevision(st *model.StageInstance, def model.StageDefinition) change {
	st.ApprovalHistory = append(st.ApprovalHistory, orderedApprovals(st.Approvals, def)...)

	closed := st.Version
	st.Version++
	st.Approvals = newApprovals(def, st.Version)
	st.Status = model.StageStatusPending

	return change{
		stageKey: st.Key,
		from:     model.StageStatusRejected,
		to:       model.StageStatusPending,
		version:  st.Version,
		comment:  "revision opened after rejection of version " + strconv.Itoa(closed),
	}
}

// stageHistory projects a stage into one entry per version, oldest first.
func stageHistory(st model.StageInstance, def model.StageDefinition) []model.StageVersionHistory {
	history := make([]model.StageVersionHistory, 0, st.Version)
	for v := 1; v <= st.Version; v++ {
		h := model.StageVersionHistory{
			Version:    v,
			Evidence:   st.EvidenceFor(v),
			Approvals:  []model.ApprovalRecord{},
			Rejections: []model.ApprovalRecord{},
		}
		if h.Evidence == nil {
			h.Evidence = []model.EvidenceItem{}
		}
		for _, rec := range st.ApprovalHistory {
			if rec.Version == v {
				h.Approvals = append(h.Approvals, rec)
			}
		}
		if v == st.Version {
			h.Approvals = append(h.Approvals, orderedApprovals(st.Approvals, def)...)
		}
		for _, rec := range st.RejectionHistory {
			if rec.Version == v {
				h.Rejections = append(h.Rejections, rec)
			}
		}
		history = append(history, h)
	}
	return history
}

// orderedApprovals returns the records of an approval map in the order the
// stage definition lists its approvers. Roles no longer in the definition
// are appended alphabetically.
func orderedApprovals(approvals map[string]model.ApprovalRecord, def model.StageDefinition) []model.ApprovalRecord {
	out := make([]model.ApprovalRecord, 0, len(approvals))
	seen := make(map[string]bool, len(approvals))
	for _, role := range def.RequiredApprovers {
		if rec, ok := approvals[role]; ok {
			out = append(out, rec)
			seen[role] = true
		}
	}

	var rest []string
	for role := range approvals {
		if !seen[role] {
			rest = append(rest, role)
		}
	}
	sort.Strings(rest)
	for _, role := range rest {
		out = append(out, approvals[role])
	}
	return out
}
