package harness

import (
	"fmt"
	"sync"
)

// PlanItemStatus is the lifecycle state of one plan item.
type PlanItemStatus string

const (
	PlanPending    PlanItemStatus = "pending"
	PlanInProgress PlanItemStatus = "in_progress"
	PlanDone       PlanItemStatus = "done"
	PlanBlocked    PlanItemStatus = "blocked"
)

var validPlanStatuses = map[PlanItemStatus]bool{
	PlanPending:    true,
	PlanInProgress: true,
	PlanDone:       true,
	PlanBlocked:    true,
}

// PlanItem is one entry in the model's working plan.
type PlanItem struct {
	Text   string         `json:"text"`
	Status PlanItemStatus `json:"status"`
}

// Plan is the model-maintained ordered task list. It is replaced wholesale
// on each update_plan call and persisted with the session.
type Plan struct {
	mu    sync.Mutex
	items []PlanItem
}

// NewPlan creates an empty plan.
func NewPlan() *Plan { return &Plan{} }

// Set replaces the plan's items after validating every status.
func (p *Plan) Set(items []PlanItem) error {
	for i, item := range items {
		if item.Text == "" {
			return fmt.Errorf("plan item %d has empty text", i)
		}
		if !validPlanStatuses[item.Status] {
			return fmt.Errorf("plan item %d has invalid status %q", i, item.Status)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = append(p.items[:0:0], items...)
	return nil
}

// Items returns a copy of the current plan.
func (p *Plan) Items() []PlanItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PlanItem(nil), p.items...)
}

// Render formats the plan for model or console display.
func (p *Plan) Render() string {
	items := p.Items()
	if len(items) == 0 {
		return "(no plan)"
	}
	marks := map[PlanItemStatus]string{
		PlanPending:    "[ ]",
		PlanInProgress: "[~]",
		PlanDone:       "[x]",
		PlanBlocked:    "[!]",
	}
	out := ""
	for _, item := range items {
		out += marks[item.Status] + " " + item.Text + "\n"
	}
	return out
}
