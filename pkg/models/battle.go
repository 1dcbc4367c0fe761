package models

import "time"

// BranchKind distinguishes development and staging branches of a battle.
type BranchKind string

const (
	BranchKindDev     BranchKind = "dev"
	BranchKindStaging BranchKind = "staging"
)

// BranchStatus is the lifecycle state of a battle branch.
type BranchStatus string

const (
	// BranchStatusCreated indicates the branch exists but has no work yet.
	BranchStatusCreated BranchStatus = "created"
	// BranchStatusPopulated indicates subtasks were assigned or merged in.
	BranchStatusPopulated BranchStatus = "populated"
	// BranchStatusMerged indicates the branch was squash-merged onward.
	BranchStatusMerged BranchStatus = "merged"
	// BranchStatusFailed indicates work on the branch or a merge out of it
	// failed.
	BranchStatusFailed BranchStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s BranchStatus) Valid() bool {
	switch s {
	case BranchStatusCreated, BranchStatusPopulated, BranchStatusMerged, BranchStatusFailed:
		return true
	default:
		return false
	}
}

// Branch is one dev or staging branch of a battle.
type Branch struct {
	// Kind is dev or staging.
	Kind BranchKind `json:"kind"`
	// Index starts at 1 within its kind.
	Index int `json:"index"`
	// Name is the git branch name.
	Name string `json:"name"`
	// Subtasks lists the assigned subtask IDs. Only dev branches carry assignments.
	Subtasks []string `json:"subtasks,omitempty"`
	// Status is the lifecycle state.
	Status BranchStatus `json:"status"`
	// MergedFrom lists the dev branches squash-merged into a staging branch.
	MergedFrom []string `json:"merged_from,omitempty"`
}

// BattleSession tracks one partitioned large-job run.
type BattleSession struct {
	JobID           string    `json:"job_id"`
	BaseBranch      string    `json:"base_branch"`
	Strategy        string    `json:"strategy"`
	DevBranches     []*Branch `json:"dev_branches"`
	StagingBranches []*Branch `json:"staging_branches"`
	// Assignment maps dev branch name to subtask IDs.
	Assignment map[string][]string `json:"assignment"`
	// SubtaskStatus holds the last known status of every assigned subtask.
	SubtaskStatus map[string]SubtaskStatus `json:"subtask_status"`
	StartedAt     time.Time                `json:"started_at"`
	FinalizedAt   *time.Time               `json:"finalized_at,omitempty"`
}

// Branch returns the branch with the given name, or nil.
func (s *BattleSession) Branch(name string) *Branch {
	for _, b := range s.DevBranches {
		if b.Name == name {
			return b
		}
	}
	for _, b := range s.StagingBranches {
		if b.Name == name {
			return b
		}
	}
	return nil
}

// Progress returns completed and total subtask counts across all dev branches.
func (s *BattleSession) Progress() (completed, total int) {
	for _, ids := range s.Assignment {
		for _, id := range ids {
			total++
			if s.SubtaskStatus[id] == SubtaskStatusCompleted {
				completed++
			}
		}
	}
	return completed, total
}

// BranchProgress is the per-branch part of a BattleStatus.
type BranchProgress struct {
	Name      string       `json:"name"`
	Kind      BranchKind   `json:"kind"`
	Status    BranchStatus `json:"status"`
	Assigned  int          `json:"assigned"`
	Completed int          `json:"completed"`
	Progress  float64      `json:"progress"`
}

// BattleStatus is the read-only snapshot returned for a battle job.
type BattleStatus struct {
	JobID      string           `json:"job_id"`
	BaseBranch string           `json:"base_branch"`
	Branches   []BranchProgress `json:"branches"`
	Completed  int              `json:"completed"`
	Total      int              `json:"total"`
	Progress   float64          `json:"progress"`
	Finalized  bool             `json:"finalized"`
}
