package main

// ---------------------------------------------------------------------------
// cmd_device.go - inspect a device or perform an EDR action on it
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"net/url"
	"strings"

	"github.com/1sec-project/socsim/internal/core"
)

type deviceResponse struct {
	core.Device
	State core.DeviceResponseState `json:"state"`
}

func cmdDevice(args []string) {
	fs := flag.NewFlagSet("device", flag.ExitOnError)
	cf := addClientFlags(fs)
	limit := fs.Int("limit", 20, "Maximum action log entries to show")
	positional, flags := splitFlags(args, append(clientValueFlags, "limit")...)
	fs.Parse(flags)

	c := cf.resolve()
	if len(positional) == 0 {
		deviceList(c)
		return
	}

	id := positional[0]
	if len(positional) == 1 {
		deviceShow(c, id, *limit)
		return
	}

	action := core.DeviceAction(strings.ToLower(positional[1]))
	if !action.Valid() {
		names := make([]string, 0, len(core.DeviceActions))
		for _, a := range core.DeviceActions {
			names = append(names, string(a))
		}
		errorf("unknown action %q (valid: %s)", positional[1], strings.Join(names, ", "))
	}
	params, err := parseParams(positional[2:])
	if err != nil {
		errorf("%v", err)
	}

	body := c.post("/api/v1/devices/"+url.PathEscape(id)+"/actions", map[string]interface{}{
		"action": action,
		"params": params,
	})

	w, cleanup := outputWriter(c.output)
	defer cleanup()

	if c.format == FormatJSON {
		fmt.Fprintln(w, string(body))
		return
	}
	var res core.ActionResult
	decodeJSON(body, &res)
	fmt.Fprintf(w, "%s %s\n", green("✓"), res.Message)
}

func deviceList(c client) {
	body := c.get("/api/v1/devices")

	w, cleanup := outputWriter(c.output)
	defer cleanup()

	if c.format == FormatJSON {
		fmt.Fprintln(w, string(body))
		return
	}

	var resp struct {
		Devices []deviceResponse `json:"devices"`
	}
	decodeJSON(body, &resp)

	headers := []string{"ID", "HOSTNAME", "OWNER", "OS", "RISK", "ISOLATED", "BLOCKED", "QUARANTINED"}
	rows := make([][]string, 0, len(resp.Devices))
	for _, d := range resp.Devices {
		rows = append(rows, []string{
			d.ID,
			d.Hostname,
			d.Owner,
			d.OS,
			fmt.Sprintf("%.0f", d.RiskScore),
			fmt.Sprintf("%v", d.State.Isolated),
			fmt.Sprintf("%d", len(d.State.BlockedIPs)+len(d.State.BlockedDomains)),
			fmt.Sprintf("%d", len(d.State.QuarantinedFiles)),
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

func deviceShow(c client, id string, limit int) {
	path := "/api/v1/devices/" + url.PathEscape(id)
	deviceBody := c.get(path)
	logBody := c.get(fmt.Sprintf("%s/actions?limit=%d", path, limit))

	w, cleanup := outputWriter(c.output)
	defer cleanup()

	var d deviceResponse
	decodeJSON(deviceBody, &d)
	var log struct {
		Entries []core.ActionLogEntry `json:"entries"`
	}
	decodeJSON(logBody, &log)

	if c.format == FormatJSON {
		printJSON(w, map[string]interface{}{
			"device":     d,
			"action_log": log.Entries,
		})
		return
	}

	headers := []string{"TIME", "ACTION", "ACTOR", "OK", "MESSAGE"}
	rows := make([][]string, 0, len(log.Entries))
	for _, e := range log.Entries {
		rows = append(rows, []string{
			e.Timestamp.Format("2006-01-02 15:04:05"),
			string(e.Action),
			e.Actor,
			fmt.Sprintf("%v", e.Success),
			e.Message,
		})
	}
	if c.format == FormatCSV {
		writeCSV(w, headers, rows)
		return
	}

	isolated := green("no")
	if d.State.Isolated {
		isolated = red("yes")
	}
	lastScan := dim("never")
	if d.State.LastAVScanAt != nil {
		lastScan = d.State.LastAVScanAt.Format("2006-01-02 15:04:05")
	}

	fmt.Fprintf(w, "%s %s %s\n\n", bold("●"), d.ID, dim(d.Hostname))
	fmt.Fprintf(w, "  %-18s %s\n", "Owner:", d.Owner)
	fmt.Fprintf(w, "  %-18s %s\n", "OS:", d.OS)
	fmt.Fprintf(w, "  %-18s %.0f\n", "Risk Score:", d.RiskScore)
	fmt.Fprintf(w, "  %-18s %s\n", "Isolated:", isolated)
	fmt.Fprintf(w, "  %-18s %s\n", "Last AV Scan:", lastScan)
	fmt.Fprintf(w, "  %-18s %s\n", "Blocked IPs:", joinOrDash(d.State.BlockedIPs))
	fmt.Fprintf(w, "  %-18s %s\n", "Blocked Domains:", joinOrDash(d.State.BlockedDomains))
	if len(d.State.QuarantinedFiles) > 0 {
		fmt.Fprintf(w, "  %s\n", "Quarantined:")
		for _, f := range d.State.QuarantinedFiles {
			fmt.Fprintf(w, "    %s %s\n", f.Path, dim(f.Time.Format("2006-01-02 15:04:05")))
		}
	}
	fmt.Fprintln(w)

	if len(rows) == 0 {
		fmt.Fprintf(w, "%s No actions recorded.\n", dim("▸"))
		return
	}
	t := NewTable(w, headers...)
	for _, r := range rows {
		r[len(r)-1] = truncate(r[len(r)-1], 70)
		t.AddRow(r...)
	}
	t.Render()
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
