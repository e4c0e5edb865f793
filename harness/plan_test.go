package harness

import (
	"strings"
	"testing"
)

func TestPlanSetAndItems(t *testing.T) {
	p := NewPlan()
	items := []PlanItem{
		{Text: "read the config", Status: PlanDone},
		{Text: "fix the bug", Status: PlanInProgress},
		{Text: "run tests", Status: PlanPending},
	}
	if err := p.Set(items); err != nil {
		t.Fatal(err)
	}

	got := p.Items()
	if len(got) != 3 || got[1].Text != "fix the bug" {
		t.Errorf("Items = %v", got)
	}

	// The returned slice is a copy.
	got[0].Status = PlanBlocked
	if p.Items()[0].Status != PlanDone {
		t.Error("mutating the returned slice changed the plan")
	}
}

func TestPlanRejectsInvalid(t *testing.T) {
	p := NewPlan()
	if err := p.Set([]PlanItem{{Text: "", Status: PlanPending}}); err == nil {
		t.Error("empty text accepted")
	}
	if err := p.Set([]PlanItem{{Text: "x", Status: "someday"}}); err == nil {
		t.Error("invalid status accepted")
	}
	// A failed Set leaves the plan unchanged.
	if len(p.Items()) != 0 {
		t.Error("failed Set mutated the plan")
	}
}

func TestPlanRender(t *testing.T) {
	p := NewPlan()
	if p.Render() != "(no plan)" {
		t.Errorf("empty render = %q", p.Render())
	}
	p.Set([]PlanItem{
		{Text: "done thing", Status: PlanDone},
		{Text: "stuck thing", Status: PlanBlocked},
	})
	out := p.Render()
	if !strings.Contains(out, "[x] done thing") || !strings.Contains(out, "[!] stuck thing") {
		t.Errorf("Render = %q", out)
	}
}
