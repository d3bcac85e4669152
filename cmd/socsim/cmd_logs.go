package main

// ---------------------------------------------------------------------------
// cmd_logs.go - fetch recent engine logs from a running instance
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"net/url"
	"strings"

	"github.com/1sec-project/socsim/internal/core"
)

func cmdLogs(args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	cf := addClientFlags(fs)
	lines := fs.Int("lines", 50, "Number of log lines to fetch")
	fs.IntVar(lines, "n", 50, "Number of log lines to fetch")
	level := fs.String("level", "", "Only show lines at this level")
	fs.Parse(args)

	c := cf.resolve()
	q := url.Values{}
	q.Set("limit", fmt.Sprintf("%d", *lines))
	if *level != "" {
		q.Set("level", strings.ToLower(*level))
	}
	body := c.get("/api/v1/logs?" + q.Encode())

	w, cleanup := outputWriter(c.output)
	defer cleanup()

	if c.format == FormatJSON {
		fmt.Fprintln(w, string(body))
		return
	}

	var resp struct {
		Logs []core.LogEntry `json:"logs"`
	}
	decodeJSON(body, &resp)

	if c.format == FormatCSV {
		rows := make([][]string, 0, len(resp.Logs))
		for _, e := range resp.Logs {
			rows = append(rows, []string{e.Timestamp.Format("2006-01-02T15:04:05Z07:00"), e.Level, e.Component, e.Message})
		}
		writeCSV(w, []string{"timestamp", "level", "component", "message"}, rows)
		return
	}

	for _, e := range resp.Logs {
		lvl := strings.ToUpper(e.Level)
		switch e.Level {
		case "error", "fatal", "panic":
			lvl = red(lvl)
		case "warn":
			lvl = yellow(lvl)
		case "debug", "trace":
			lvl = dim(lvl)
		}
		comp := ""
		if e.Component != "" {
			comp = cyan("["+e.Component+"] ")
		}
		fmt.Fprintf(w, "%s %-5s %s%s\n", dim(e.Timestamp.Format("15:04:05")), lvl, comp, e.Message)
	}
}
