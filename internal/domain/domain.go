package domain

// WorkItem is a unit of work moving through the pipeline. An item occupies
// exactly one stage at a time and carries at most one active claim.
type WorkItem struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Type           string   `json:"type"`
	Priority       *int     `json:"priority,omitempty"`
	Stage          string   `json:"stage" enum:"backlog,ready,testing,implementing,review,verification,done,blocked"`
	Worker         *string  `json:"worker,omitempty"`
	RejectionCount int      `json:"rejection_count"`
	DependsOn      []string `json:"depends_on,omitempty"`
	OutputPath     *string  `json:"output_path,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
	CompletedAt    *string  `json:"completed_at,omitempty" format:"date-time"`
	ArchivedAt     *string  `json:"archived_at,omitempty" format:"date-time"`
}

// StageInfo is the persisted view of one pipeline stage. Stages are
// configuration, not per-item state; WIPLimit nil means unlimited.
type StageInfo struct {
	ID       string `json:"id"`
	Order    int    `json:"order"`
	WIPLimit *int   `json:"wip_limit,omitempty"`
}

// AgentClaim records the exclusive assignment of one worker to one item.
// ItemID is unique in storage, which is what turns a claim race into a clean
// conflict instead of a double claim.
type AgentClaim struct {
	ItemID    string `json:"item_id"`
	Worker    string `json:"worker"`
	ClaimedAt string `json:"claimed_at" format:"date-time"`
}

// WorkLogEntry is an append-only record of an action taken on an item.
type WorkLogEntry struct {
	ID      string `json:"id"`
	ItemID  string `json:"item_id"`
	Worker  string `json:"worker"`
	Action  string `json:"action"`
	Summary string `json:"summary,omitempty"`
	TS      string `json:"ts" format:"date-time"`
}

// Mission is the umbrella grouping of items. Phase transitions are monotonic
// and never skip a phase; failed and archived are terminal branches.
type Mission struct {
	ID          string  `json:"id"`
	State       string  `json:"state" enum:"active,final_review,post_checks,documentation,complete,failed,archived"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

// ActivityLogEntry is the append-only, globally ordered audit record. Its
// increasing ID doubles as the change feed's log-tailing cursor.
type ActivityLogEntry struct {
	ID        int64  `json:"id"`
	MissionID string `json:"mission_id,omitempty"`
	Actor     string `json:"actor"`
	Message   string `json:"message"`
	Level     string `json:"level" enum:"info,warn,error"`
	TS        string `json:"ts" format:"date-time"`
}

// Snapshot is the full read view served to clients and diffed by the feed.
type Snapshot struct {
	Stages  []StageInfo  `json:"stages"`
	Items   []WorkItem   `json:"items"`
	Claims  []AgentClaim `json:"claims"`
	Mission *Mission     `json:"mission,omitempty"`
}
