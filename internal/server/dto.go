package server

import (
	"flowline/internal/domain"
	"flowline/internal/engine"
)

// Request payloads

type CreateItemRequest struct {
	ID         *string  `json:"id,omitempty"`
	Title      string   `json:"title"`
	Type       string   `json:"type"`
	Priority   *int     `json:"priority,omitempty"`
	DependsOn  []string `json:"depends_on,omitempty"`
	OutputPath *string  `json:"output_path,omitempty"`
}

type UpdateItemRequest struct {
	Title           *string  `json:"title,omitempty"`
	Priority        *int     `json:"priority,omitempty"`
	OutputPath      *string  `json:"output_path,omitempty"`
	AddDependsOn    []string `json:"add_depends_on,omitempty"`
	RemoveDependsOn []string `json:"remove_depends_on,omitempty"`
}

type MoveItemRequest struct {
	To    string `json:"to" enum:"backlog,ready,testing,implementing,review,verification,done,blocked"`
	Force bool   `json:"force,omitempty"`
}

type ClaimItemRequest struct {
	Worker string `json:"worker"`
}

type RejectItemRequest struct {
	Reason      string `json:"reason"`
	Worker      string `json:"worker,omitempty"`
	ReworkStage string `json:"rework_stage,omitempty"`
}

type FailMissionRequest struct {
	Reason string `json:"reason"`
}

// Response payloads

type ItemListResponse struct {
	Items []domain.WorkItem `json:"items"`
}

type MoveItemResponse struct {
	Item          domain.WorkItem  `json:"item"`
	PreviousStage string           `json:"previous_stage"`
	WIP           engine.WIPStatus `json:"wip"`
}

type ReleaseItemResponse struct {
	Released bool    `json:"released"`
	Worker   *string `json:"worker,omitempty"`
}

type RejectItemResponse struct {
	Item           domain.WorkItem `json:"item"`
	RejectionCount int             `json:"rejection_count"`
	Escalated      bool            `json:"escalated"`
}

type WorkLogResponse struct {
	Entries []domain.WorkLogEntry `json:"entries"`
}

type ActivityResponse struct {
	Entries    []domain.ActivityLogEntry `json:"entries"`
	NextCursor int64                     `json:"next_cursor"`
}

type HealthResponse struct {
	Status string `json:"status" example:"ok"`
}
