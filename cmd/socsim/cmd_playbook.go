package main

// ---------------------------------------------------------------------------
// cmd_playbook.go - start playbook runs, decide approvals, list runs
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/1sec-project/socsim/internal/core"
)

func cmdPlaybook(args []string) {
	if len(args) == 0 {
		cmdHelp("playbook")
		return
	}
	sub, rest := args[0], args[1:]

	fs := flag.NewFlagSet("playbook "+sub, flag.ExitOnError)
	cf := addClientFlags(fs)
	caseID := fs.String("case", "", "Case the run acts on")
	wait := fs.Bool("wait", false, "Wait for the run to finish or stop at an approval")
	limit := fs.Int("limit", 20, "Maximum completed runs to show")
	positional, flags := splitFlags(rest, append(clientValueFlags, "case", "limit")...)
	fs.Parse(flags)
	c := cf.resolve()

	switch sub {
	case "list", "ls":
		playbookList(c)
	case "start":
		if len(positional) != 1 {
			errorf("usage: socsim playbook start <playbook> [--case <id>]")
		}
		playbookStart(c, positional[0], *caseID, *wait)
	case "approve", "reject":
		if len(positional) != 2 {
			errorf("usage: socsim playbook %s <run> <step>", sub)
		}
		playbookDecide(c, sub, positional[0], positional[1])
	case "runs":
		playbookRuns(c, *limit)
	case "show":
		if len(positional) != 1 {
			errorf("usage: socsim playbook show <run>")
		}
		run := fetchRun(c, positional[0])
		w, cleanup := outputWriter(c.output)
		defer cleanup()
		if c.format == FormatJSON {
			printJSON(w, run)
			return
		}
		printRun(w, run)
	default:
		fmt.Fprintf(os.Stderr, red("error: ")+"unknown playbook subcommand %q\n\n", sub)
		cmdHelp("playbook")
		os.Exit(1)
	}
}

func fetchRun(c client, id string) core.PlaybookRun {
	var run core.PlaybookRun
	decodeJSON(c.get("/api/v1/runs/"+url.PathEscape(id)), &run)
	return run
}

func playbookList(c client) {
	body := c.get("/api/v1/playbooks")

	w, cleanup := outputWriter(c.output)
	defer cleanup()

	if c.format == FormatJSON {
		fmt.Fprintln(w, string(body))
		return
	}

	var resp struct {
		Playbooks []core.PlaybookDefinition `json:"playbooks"`
	}
	decodeJSON(body, &resp)

	headers := []string{"ID", "NAME", "CATEGORY", "STEPS", "APPROVAL"}
	rows := make([][]string, 0, len(resp.Playbooks))
	for _, pb := range resp.Playbooks {
		steps := make([]string, 0, len(pb.Steps))
		for _, s := range pb.Steps {
			steps = append(steps, s.ID)
		}
		rows = append(rows, []string{
			pb.ID,
			pb.Name,
			pb.Category,
			strings.Join(steps, " → "),
			fmt.Sprintf("%v", pb.HasApprovalStep()),
		})
	}
	if c.format == FormatCSV {
		writeCSV(w, headers, rows)
		return
	}
	t := NewTable(w, headers...)
	for _, r := range rows {
		t.AddRow(r...)
	}
	t.Render()
}

func playbookStart(c client, playbookID, caseID string, wait bool) {
	body := c.post("/api/v1/playbooks/"+url.PathEscape(playbookID)+"/runs", map[string]string{
		"case_id": caseID,
	})
	var run core.PlaybookRun
	decodeJSON(body, &run)

	if wait {
		run = waitForRun(c, run.ID)
	}

	w, cleanup := outputWriter(c.output)
	defer cleanup()

	if c.format == FormatJSON {
		printJSON(w, run)
		return
	}
	fmt.Fprintf(w, "%s Started %s as %s\n", green("✓"), bold(run.PlaybookName), run.ID)
	if wait {
		fmt.Fprintln(w)
		printRun(w, run)
	}
}

// waitForRun polls until the run is terminal or parked at an approval step.
func waitForRun(c client, id string) core.PlaybookRun {
	deadline := time.Now().Add(2 * time.Minute)
	for {
		run := fetchRun(c, id)
		if run.Status.Terminal() {
			return run
		}
		if run.CurrentStepIndex < len(run.Steps) && run.Steps[run.CurrentStepIndex].Status == core.StepWaitingApproval {
			return run
		}
		if time.Now().After(deadline) {
			warnf("run %s still %s after 2m", id, run.Status)
			return run
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func playbookDecide(c client, decision, runID, stepID string) {
	body := c.post(fmt.Sprintf("/api/v1/runs/%s/steps/%s/%s",
		url.PathEscape(runID), url.PathEscape(stepID), decision), nil)

	w, cleanup := outputWriter(c.output)
	defer cleanup()

	if c.format == FormatJSON {
		fmt.Fprintln(w, string(body))
		return
	}
	mark := green("✓")
	if decision == "reject" {
		mark = red("✗")
	}
	fmt.Fprintf(w, "%s Step %s of %s %sd\n", mark, bold(stepID), runID, decision)
}

func playbookRuns(c client, limit int) {
	body := c.get(fmt.Sprintf("/api/v1/runs?limit=%d", limit))

	w, cleanup := outputWriter(c.output)
	defer cleanup()

	if c.format == FormatJSON {
		fmt.Fprintln(w, string(body))
		return
	}

	var resp struct {
		Active    []core.PlaybookRun `json:"active"`
		Completed []core.PlaybookRun `json:"completed"`
	}
	decodeJSON(body, &resp)

	headers := []string{"RUN", "PLAYBOOK", "CASE", "STATUS", "STEP", "STARTED", "OUTCOME"}
	rows := make([][]string, 0, len(resp.Active)+len(resp.Completed))
	for _, runs := range [][]core.PlaybookRun{resp.Active, resp.Completed} {
		for _, r := range runs {
			step := "-"
			if r.CurrentStepIndex < len(r.Steps) {
				step = fmt.Sprintf("%d/%d %s", r.CurrentStepIndex+1, len(r.Steps), r.Steps[r.CurrentStepIndex].ID)
			}
			rows = append(rows, []string{
				r.ID,
				r.PlaybookID,
				r.CaseID,
				string(r.Status),
				step,
				r.StartedAt.Format("15:04:05"),
				r.Outcome,
			})
		}
	}

	if c.format == FormatCSV {
		writeCSV(w, headers, rows)
		return
	}
	if len(rows) == 0 {
		fmt.Fprintf(w, "%s No playbook runs.\n", dim("▸"))
		return
	}
	t := NewTable(w, headers...)
	for _, r := range rows {
		r[len(r)-1] = truncate(r[len(r)-1], 50)
		t.AddRow(r...)
	}
	t.Render()
}

func printRun(w io.Writer, run core.PlaybookRun) {
	fmt.Fprintf(w, "%s %s %s\n\n", bold("●"), run.PlaybookName, dim(run.ID))
	fmt.Fprintf(w, "  %-18s %s\n", "Status:", statusColor(string(run.Status)))
	if run.CaseID != "" {
		fmt.Fprintf(w, "  %-18s %s\n", "Case:", run.CaseID)
	}
	fmt.Fprintf(w, "  %-18s %s\n", "Started By:", run.StartedBy)
	fmt.Fprintf(w, "  %-18s %s\n", "Started:", run.StartedAt.Format(time.RFC3339))
	if run.Outcome != "" {
		fmt.Fprintf(w, "  %-18s %s\n", "Outcome:", run.Outcome)
	}
	fmt.Fprintf(w, "\n  %s\n", bold("Steps:"))
	for i, s := range run.Steps {
		marker := " "
		if i == run.CurrentStepIndex && !run.Status.Terminal() {
			marker = cyan("▸")
		}
		line := fmt.Sprintf("  %s %d. %-10s %-28s %s", marker, i+1, s.ID, s.Name, statusColor(string(s.Status)))
		if s.DecidedBy != "" {
			line += dim(" by " + s.DecidedBy)
		}
		fmt.Fprintln(w, line)
		if s.Result != "" {
			fmt.Fprintf(w, "       %s\n", dim(s.Result))
		}
	}
	fmt.Fprintln(w)
}
