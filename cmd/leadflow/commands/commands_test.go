package commands

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leadflow/leadflow/pkg/engine"
	"github.com/leadflow/leadflow/pkg/workflow"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand("test", "none", "today")
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func sqliteConfig(t *testing.T) string {
	t.Helper()
	db := filepath.Join(t.TempDir(), "leadflow.db")
	return writeFile(t, "leadflow.yaml", `
logging:
  level: error
metrics:
  enabled: false
store:
  driver: sqlite
  path: `+db+`
`)
}

func TestConfigValidate(t *testing.T) {
	good := writeFile(t, "good.yaml", "workflow:\n  max_contact_attempts: 4\n")
	out, err := run(t, "config", "validate", good)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if !strings.Contains(out, "OK") {
		t.Errorf("output = %q", out)
	}

	bad := writeFile(t, "bad.yaml", "workflow:\n  proposal_count: 0\n")
	if _, err := run(t, "config", "validate", bad); err == nil {
		t.Error("expected validation error")
	}

	if _, err := run(t, "config", "validate", writeFile(t, "bad.toml", "")); err == nil {
		t.Error("expected unsupported format error")
	}
}

func TestConfigShowAndSchema(t *testing.T) {
	out, err := run(t, "config", "show")
	if err != nil {
		t.Fatalf("show failed: %v", err)
	}
	if !strings.Contains(out, "max_contact_attempts: 3") {
		t.Errorf("show output missing defaults:\n%s", out)
	}

	out, err = run(t, "config", "schema")
	if err != nil || out == "" {
		t.Errorf("schema = %q, %v", out, err)
	}
}

func TestLeadLifecycleAcrossInvocations(t *testing.T) {
	cfg := sqliteConfig(t)

	out, err := run(t, "-c", cfg, "--json", "lead", "create",
		"--first-name", "Dana", "--last-name", "Scully", "--phone", "+15550102030", "--consent", "--start")
	if err != nil {
		t.Fatalf("lead create failed: %v\n%s", err, out)
	}
	var created struct {
		Lead      engine.Lead               `json:"lead"`
		Execution *engine.WorkflowExecution `json:"execution"`
	}
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		t.Fatalf("bad JSON %q: %v", out, err)
	}
	if created.Lead.State != engine.StateAwaitingResponse || created.Execution == nil {
		t.Fatalf("created = %+v", created)
	}
	id := created.Lead.ID

	out, err = run(t, "-c", cfg, "--json", "sms", "inbound", "+15550102030", "Yes please")
	if err != nil {
		t.Fatalf("sms inbound failed: %v\n%s", err, out)
	}
	var res workflow.InboundResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("bad JSON %q: %v", out, err)
	}
	if res.LeadID != id || res.State != engine.StateAppointmentProposed {
		t.Errorf("inbound = %+v", res)
	}

	out, err = run(t, "-c", cfg, "--json", "lead", "get", id)
	if err != nil {
		t.Fatalf("lead get failed: %v", err)
	}
	var got struct {
		Lead engine.Lead `json:"lead"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("bad JSON %q: %v", out, err)
	}
	if len(got.Lead.ProposedSlots) == 0 || len(got.Lead.ContactAttempts) != 3 {
		t.Errorf("lead after proposal: %d slots, %d messages", len(got.Lead.ProposedSlots), len(got.Lead.ContactAttempts))
	}

	if _, err := run(t, "-c", cfg, "workflow", "complete", id); err == nil {
		t.Error("completing an unbooked appointment should fail")
	}
	if _, err := run(t, "-c", cfg, "workflow", "escalate", id, "--reason", "wants a call"); err != nil {
		t.Fatalf("escalate failed: %v", err)
	}

	out, err = run(t, "-c", cfg, "--json", "lead", "stats")
	if err != nil {
		t.Fatalf("lead stats failed: %v", err)
	}
	var stats engine.LeadStats
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("bad JSON %q: %v", out, err)
	}
	if stats.Total != 1 || stats.ByState[engine.StateEscalated] != 1 {
		t.Errorf("stats = %+v", stats)
	}

	out, err = run(t, "-c", cfg, "lead", "list")
	if err != nil || !strings.Contains(out, id) {
		t.Errorf("lead list = %q, %v", out, err)
	}
}

func TestLeadCreate_MissingFlags(t *testing.T) {
	if _, err := run(t, "-c", sqliteConfig(t), "lead", "create", "--first-name", "Dana"); err == nil {
		t.Error("expected error without --phone")
	}
}

func TestSlotsAndContacts(t *testing.T) {
	cfg := sqliteConfig(t)

	out, err := run(t, "-c", cfg, "--json", "slots", "--limit", "2")
	if err != nil {
		t.Fatalf("slots failed: %v", err)
	}
	var slots []engine.AppointmentSlot
	if err := json.Unmarshal([]byte(out), &slots); err != nil {
		t.Fatalf("bad JSON %q: %v", out, err)
	}
	if len(slots) != 2 {
		t.Errorf("got %d slots, want 2", len(slots))
	}

	out, err = run(t, "-c", cfg, "contacts", "run")
	if err != nil || !strings.Contains(out, "processed=0") {
		t.Errorf("contacts run = %q, %v", out, err)
	}
}

func TestDemo(t *testing.T) {
	cfg := writeFile(t, "quiet.yaml", "logging:\n  level: error\nmetrics:\n  enabled: false\n")
	out, err := run(t, "-c", cfg, "--json", "demo")
	if err != nil {
		t.Fatalf("demo failed: %v\n%s", err, out)
	}

	var result struct {
		Leads []engine.Lead `json:"leads"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("bad JSON: %v", err)
	}

	want := []engine.State{engine.StateAppointmentCompleted, engine.StateOptedOut, engine.StateNotInterested}
	if len(result.Leads) != len(want) {
		t.Fatalf("got %d leads, want %d", len(result.Leads), len(want))
	}
	for i, l := range result.Leads {
		if l.State != want[i] {
			t.Errorf("%s ended in %s, want %s", l.FirstName, l.State, want[i])
		}
	}
}
