package model

import "time"

// Workflow instance status constants.
const (
	WorkflowStatusActive    = "active"
	WorkflowStatusArchived  = "archived"
	WorkflowStatusBlocked   = "blocked"
	WorkflowStatusCancelled = "cancelled"
)

// Stage status constants.
const (
	StageStatusLocked    = "locked"
	StageStatusPending   = "pending"
	StageStatusInReview  = "in_review"
	StageStatusCompleted = "completed"
	StageStatusRejected  = "rejected"
)

// Approval status constants.
const (
	ApprovalStatusPending = "pending"
	ApprovalStatusPassed  = "passed"
	ApprovalStatusFailed  = "failed"
)

// WorkflowInstance is one run of a workflow template attached to one
// order or job.
type WorkflowInstance struct {
	ID           string          `json:"id"`
	WorkflowType string          `json:"workflow_type"`
	OrderRef     string          `json:"order_ref"`
	Status       string          `json:"status"`
	Stages       []StageInstance `json:"stages"`
	CreatedBy    string          `json:"created_by"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ArchivedAt   *time.Time      `json:"archived_at,omitempty"`
	CancelReason string          `json:"cancel_reason,omitempty"`

	// Revision is the optimistic-lock counter of the whole instance record.
	// It is unrelated to per-stage versions.
	Revision int `json:"revision"`
}

// CurrentStageIndex returns the index of the first stage that is not
// Completed, or len(Stages) once every stage is Completed.
func (w WorkflowInstance) CurrentStageIndex() int {
	for i, s := range w.Stages {
		if s.Status != StageStatusCompleted {
			return i
		}
	}
	return len(w.Stages)
}

// StageByKey returns a pointer into Stages for the given key.
func (w *WorkflowInstance) StageByKey(key string) (*StageInstance, int) {
	for i := range w.Stages {
		if w.Stages[i].Key == key {
			return &w.Stages[i], i
		}
	}
	return nil, -1
}

// Clone returns a deep copy of the instance so that a store never shares
// slices or maps with its callers.
func (w WorkflowInstance) Clone() WorkflowInstance {
	cp := w
	if w.ArchivedAt != nil {
		t := *w.ArchivedAt
		cp.ArchivedAt = &t
	}
	cp.Stages = make([]StageInstance, len(w.Stages))
	for i, s := range w.Stages {
		cp.Stages[i] = s.clone()
	}
	return cp
}

// StageInstance is the mutable state of one stage within one instance.
type StageInstance struct {
	ID      string `json:"id"`
	Key     string `json:"key"`
	Status  string `json:"status"`
	Version int    `json:"version"`

	Evidence  []EvidenceItem            `json:"evidence"`
	Approvals map[string]ApprovalRecord `json:"approvals,omitempty"`

	CompletedBy string     `json:"completed_by,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// RejectionHistory holds every failed decision, across versions.
	RejectionHistory []ApprovalRecord `json:"rejection_history,omitempty"`
	// ApprovalHistory holds the approval map of every closed version.
	ApprovalHistory []ApprovalRecord `json:"approval_history,omitempty"`
}

// EvidenceFor returns the evidence items attached to the given version.
func (s StageInstance) EvidenceFor(version int) []EvidenceItem {
	var out []EvidenceItem
	for _, e := range s.Evidence {
		if e.Version == version {
			out = append(out, e)
		}
	}
	return out
}

// CurrentEvidenceCount returns the number of evidence items that count
// toward the current version.
func (s StageInstance) CurrentEvidenceCount() int {
	return len(s.EvidenceFor(s.Version))
}

func (s StageInstance) clone() StageInstance {
	cp := s
	cp.Evidence = append([]EvidenceItem(nil), s.Evidence...)
	cp.RejectionHistory = append([]ApprovalRecord(nil), s.RejectionHistory...)
	cp.ApprovalHistory = append([]ApprovalRecord(nil), s.ApprovalHistory...)
	if s.Approvals != nil {
		cp.Approvals = make(map[string]ApprovalRecord, len(s.Approvals))
		for k, v := range s.Approvals {
			cp.Approvals[k] = v
		}
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cp.CompletedAt = &t
	}
	return cp
}

// EvidenceItem is a photo or file attached to a stage as proof of work.
type EvidenceItem struct {
	ID          string    `json:"id"`
	Reference   string    `json:"reference"`
	UploadedBy  string    `json:"uploaded_by"`
	UploadedAt  time.Time `json:"uploaded_at"`
	Version     int       `json:"version"`
	FileName    string    `json:"file_name,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size,omitempty"`
}

// ApprovalRecord is one role's decision on one stage version.
type ApprovalRecord struct {
	Role      string     `json:"role"`
	Status    string     `json:"status"`
	Actor     string     `json:"actor,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Comment   string     `json:"comment,omitempty"`
	Version   int        `json:"version"`
}

// StageVersionHistory is the audit projection of one stage version.
type StageVersionHistory struct {
	Version    int              `json:"version"`
	Evidence   []EvidenceItem   `json:"evidence"`
	Approvals  []ApprovalRecord `json:"approvals"`
	Rejections []ApprovalRecord `json:"rejections"`
}

// TransitionEvent is emitted to the audit/notification sink after every
// durable stage transition.
type TransitionEvent struct {
	ID                 string    `json:"id"`
	WorkflowInstanceID string    `json:"workflow_instance_id"`
	WorkflowType       string    `json:"workflow_type"`
	OrderRef           string    `json:"order_ref"`
	StageKey           string    `json:"stage_key"`
	FromStatus         string    `json:"from_status"`
	ToStatus           string    `json:"to_status"`
	Version            int       `json:"version"`
	Actor              string    `json:"actor"`
	Comment            string    `json:"comment,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// WorkflowSummary is a lightweight representation of a workflow instance
// used in list views.
type WorkflowSummary struct {
	ID           string    `json:"id"`
	WorkflowType string    `json:"workflow_type"`
	Name         string    `json:"name"`
	OrderRef     string    `json:"order_ref"`
	Status       string    `json:"status"`
	CurrentStage string    `json:"current_stage,omitempty"`
	StageStatus  string    `json:"stage_status,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// WorkflowFilters are optional filters for listing workflow instances.
type WorkflowFilters struct {
	WorkflowType string
	Status       string
	Page         int
	PageSize     int
}

// InstanceView is the read-only projection returned by queries.
type InstanceView struct {
	WorkflowInstance
	Name              string `json:"name"`
	CurrentStageIndex int    `json:"current_stage_index"`
	Blocked           bool   `json:"blocked"`
}
