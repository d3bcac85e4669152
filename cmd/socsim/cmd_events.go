package main

// ---------------------------------------------------------------------------
// cmd_events.go - list buffered live feed events
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"

	"github.com/1sec-project/socsim/internal/core"
)

func cmdEvents(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	cf := addClientFlags(fs)
	limit := fs.Int("limit", 20, "Maximum events to show")
	severity := fs.String("severity", "", "Only show events at or above this severity")
	fs.Parse(args)

	c := cf.resolve()
	body := c.get(fmt.Sprintf("/api/v1/events?limit=%d", *limit))

	w, cleanup := outputWriter(c.output)
	defer cleanup()

	if c.format == FormatJSON && *severity == "" {
		fmt.Fprintln(w, string(body))
		return
	}

	var resp struct {
		Events   []*core.SimEvent `json:"events"`
		Buffered int              `json:"buffered"`
		Capacity int              `json:"capacity"`
		Dropped  uint64           `json:"dropped"`
	}
	decodeJSON(body, &resp)

	events := resp.Events
	if *severity != "" {
		threshold := core.ParseSeverity(*severity)
		filtered := events[:0]
		for _, e := range events {
			if e.Severity >= threshold {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}

	headers, rows := eventRows(events)
	switch c.format {
	case FormatJSON:
		printJSON(w, events)
	case FormatCSV:
		writeCSV(w, headers, rows)
	default:
		if len(events) == 0 {
			fmt.Fprintf(w, "%s No events buffered.\n", dim("▸"))
			return
		}
		t := NewTable(w, headers...)
		for _, r := range rows {
			r[len(r)-1] = truncate(r[len(r)-1], 60)
			t.AddRow(r...)
		}
		t.Render()
		fmt.Fprintf(w, "\n  %s %d shown, %d/%d buffered, %d dropped\n",
			dim("▸"), len(events), resp.Buffered, resp.Capacity, resp.Dropped)
	}
}
