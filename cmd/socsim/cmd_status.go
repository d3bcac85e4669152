package main

// ---------------------------------------------------------------------------
// cmd_status.go - fetch status from a running instance
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"

	"github.com/1sec-project/socsim/internal/core"
)

type statusResponse struct {
	Version       string                 `json:"version"`
	Status        string                 `json:"status"`
	Timestamp     string                 `json:"timestamp"`
	Feed          core.GeneratorStats    `json:"feed"`
	Devices       int                    `json:"devices"`
	Playbooks     map[string]interface{} `json:"playbooks"`
	Notifications map[string]interface{} `json:"notifications"`
	Persistence   string                 `json:"persistence"`
	BusConnected  bool                   `json:"bus_connected"`
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cf := addClientFlags(fs)
	fs.Parse(args)

	c := cf.resolve()
	body := c.get("/api/v1/status")

	w, cleanup := outputWriter(c.output)
	defer cleanup()

	if c.format == FormatJSON {
		fmt.Fprintln(w, string(body))
		return
	}

	var st statusResponse
	decodeJSON(body, &st)

	rows := [][]string{
		{"version", st.Version},
		{"status", st.Status},
		{"feed_running", fmt.Sprintf("%v", st.Feed.Running)},
		{"feed_speed", fmt.Sprintf("%d", st.Feed.Speed)},
		{"feed_muted", fmt.Sprintf("%v", st.Feed.Muted)},
		{"feed_seed", fmt.Sprintf("%d", st.Feed.Seed)},
		{"events_generated", fmt.Sprintf("%d", st.Feed.Generated)},
		{"events_buffered", fmt.Sprintf("%d", st.Feed.Buffered)},
		{"events_dropped", fmt.Sprintf("%d", st.Feed.Dropped)},
		{"devices_touched", fmt.Sprintf("%d", st.Devices)},
		{"active_runs", fmt.Sprintf("%v", st.Playbooks["active_runs"])},
		{"completed_runs", fmt.Sprintf("%v", st.Playbooks["completed_runs"])},
		{"cancelled_runs", fmt.Sprintf("%v", st.Playbooks["cancelled_runs"])},
		{"persistence", st.Persistence},
		{"bus_connected", fmt.Sprintf("%v", st.BusConnected)},
		{"timestamp", st.Timestamp},
	}

	if c.format == FormatCSV {
		writeCSV(w, []string{"field", "value"}, rows)
		return
	}

	feed := dim("stopped")
	if st.Feed.Running {
		feed = green(fmt.Sprintf("running x%d", st.Feed.Speed))
		if st.Feed.Muted {
			feed += dim(" (muted)")
		}
	}
	bus := dim("disabled")
	if st.BusConnected {
		bus = green("connected")
	}

	fmt.Fprintf(w, "%s socsim Status\n\n", bold("●"))
	fmt.Fprintf(w, "  %-18s %s\n", "Version:", green(st.Version))
	fmt.Fprintf(w, "  %-18s %s\n", "Status:", green(st.Status))
	fmt.Fprintf(w, "  %-18s %s\n", "Live Feed:", feed)
	fmt.Fprintf(w, "  %-18s %d\n", "Seed:", st.Feed.Seed)
	fmt.Fprintf(w, "  %-18s %d generated, %d/%d buffered, %d dropped\n", "Events:",
		st.Feed.Generated, st.Feed.Buffered, st.Feed.Capacity, st.Feed.Dropped)
	fmt.Fprintf(w, "  %-18s %d\n", "Devices Touched:", st.Devices)
	fmt.Fprintf(w, "  %-18s %v active, %v completed, %v cancelled\n", "Playbook Runs:",
		st.Playbooks["active_runs"], st.Playbooks["completed_runs"], st.Playbooks["cancelled_runs"])
	if approvals, ok := st.Playbooks["approvals"].(map[string]interface{}); ok {
		fmt.Fprintf(w, "  %-18s %v pending\n", "Approvals:", approvals["pending_count"])
	}
	fmt.Fprintf(w, "  %-18s %v subscribers\n", "Stream:", st.Notifications["subscribers"])
	fmt.Fprintf(w, "  %-18s %s\n", "Persistence:", st.Persistence)
	fmt.Fprintf(w, "  %-18s %s\n", "Event Bus:", bus)
	fmt.Fprintf(w, "  %-18s %s\n", "Timestamp:", st.Timestamp)
	fmt.Fprintln(w)
}
