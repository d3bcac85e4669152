package main

// ---------------------------------------------------------------------------
// banner.go - banner, version and usage printing
// ---------------------------------------------------------------------------

import (
	"fmt"
	"io"
	"os"
	goruntime "runtime"
	"runtime/debug"
)

func bannerText() string {
	art := `
    ███████╗ ██████╗  ██████╗███████╗██╗███╗   ███╗
    ██╔════╝██╔═══██╗██╔════╝██╔════╝██║████╗ ████║
    ███████╗██║   ██║██║     ███████╗██║██╔████╔██║
    ╚════██║██║   ██║██║     ╚════██║██║██║╚██╔╝██║
    ███████║╚██████╔╝╚██████╗███████║██║██║ ╚═╝ ██║
    ╚══════╝ ╚═════╝  ╚═════╝╚══════╝╚═╝╚═╝     ╚═╝

          SOC SIMULATION ENGINE
`
	if !colorEnabled() {
		return art
	}
	return "\033[36m" + art + "\033[0m"
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "socsim v%s", version)
	if commit != "dev" {
		fmt.Fprintf(w, " (%s)", commit[:min(7, len(commit))])
	}
	if buildDate != "unknown" {
		fmt.Fprintf(w, " built %s", buildDate)
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fmt.Fprintf(w, " %s", bi.GoVersion)
	}
	fmt.Fprintf(w, " %s/%s", goruntime.GOOS, goruntime.GOARCH)
	fmt.Fprintln(w)
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, bannerText())
	fmt.Fprintf(w, "  %s\n\n", dim("v"+version))
	fmt.Fprintf(w, "%s\n\n", bold("USAGE"))
	fmt.Fprintf(w, "  socsim <command> [flags]\n\n")
	fmt.Fprintf(w, "%s\n\n", bold("COMMANDS"))
	for _, c := range commandTable {
		fmt.Fprintf(w, "  %-14s  %s\n", bold(c.name), c.summary)
	}
	fmt.Fprintf(w, "\n%s\n\n", bold("GLOBAL FLAGS"))
	fmt.Fprintf(w, "  %-22s  %s\n", "--config <path>", "Config file path (default: configs/default.yaml, env: SOCSIM_CONFIG)")
	fmt.Fprintf(w, "  %-22s  %s\n", "--api-key <key>", "API key (env: SOCSIM_API_KEY)")
	fmt.Fprintf(w, "  %-22s  %s\n", "--format <fmt>", "Output format: table, json, csv (default: table)")
	fmt.Fprintf(w, "  %-22s  %s\n", "--version, -V", "Print version and exit")
	fmt.Fprintf(w, "  %-22s  %s\n", "--help, -h", "Show help")
	fmt.Fprintf(w, "\n%s\n\n", bold("ENVIRONMENT VARIABLES"))
	fmt.Fprintf(w, "  %-22s  %s\n", "SOCSIM_CONFIG", "Default config file path")
	fmt.Fprintf(w, "  %-22s  %s\n", "SOCSIM_HOST", "API host override")
	fmt.Fprintf(w, "  %-22s  %s\n", "SOCSIM_PORT", "API port override")
	fmt.Fprintf(w, "  %-22s  %s\n", "SOCSIM_API_KEY", "API key for authentication")
	fmt.Fprintf(w, "\n%s\n\n", bold("EXAMPLES"))
	fmt.Fprintf(w, "  %s\n", dim("# Start with defaults"))
	fmt.Fprintf(w, "  socsim up\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Print the first 20 events for a seed"))
	fmt.Fprintf(w, "  socsim feed --seed 1337 --count 20\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Isolate a workstation"))
	fmt.Fprintf(w, "  socsim device WS-001 isolate\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Run the ransomware playbook against a case"))
	fmt.Fprintf(w, "  socsim playbook start PB-RANSOM --case CASE-1001\n\n")
	fmt.Fprintf(w, "Run %s for detailed help on any command.\n\n", bold("socsim help <command>"))
}

func cmdHelp(cmd string) {
	w := os.Stdout
	switch cmd {
	case "up":
		fmt.Fprintf(w, "%s\n\n", bold("socsim up"))
		fmt.Fprintf(w, "Start the engine: live feed, EDR device store, playbook orchestrator and REST API.\n\n")
		fmt.Fprintf(w, "%s\n", bold("FLAGS"))
		fmt.Fprintf(w, "  %-22s  %s\n", "--config <path>", "Config file path")
		fmt.Fprintf(w, "  %-22s  %s\n", "--log-level <lvl>", "Log level override: debug, info, warn, error")
		fmt.Fprintf(w, "  %-22s  %s\n", "--dry-run", "Validate config and dataset, then exit")
		fmt.Fprintf(w, "  %-22s  %s\n", "--quiet, -q", "Suppress banner and non-essential output")
		fmt.Fprintf(w, "  %-22s  %s\n", "--no-color", "Disable color output")
	case "feed":
		fmt.Fprintf(w, "%s\n\n", bold("socsim feed"))
		fmt.Fprintf(w, "Generate events offline from a seed. The same seed always yields the same feed.\n\n")
		fmt.Fprintf(w, "%s\n", bold("FLAGS"))
		fmt.Fprintf(w, "  %-22s  %s\n", "--seed <n>", "Generator seed (default: config generator.seed)")
		fmt.Fprintf(w, "  %-22s  %s\n", "--count <n>", "Number of events to generate (default: 20)")
		fmt.Fprintf(w, "  %-22s  %s\n", "--capacity <n>", "Ring buffer capacity (default: config generator.capacity)")
		fmt.Fprintf(w, "  %-22s  %s\n", "--format <fmt>", "Output format: table, json, csv")
		fmt.Fprintf(w, "  %-22s  %s\n", "--output <path>", "Write output to file")
	case "status":
		fmt.Fprintf(w, "%s\n\n", bold("socsim status"))
		fmt.Fprintf(w, "Show feed, device and playbook status of a running instance.\n\n")
		printClientFlags(w)
	case "events":
		fmt.Fprintf(w, "%s\n\n", bold("socsim events"))
		fmt.Fprintf(w, "List the most recent buffered events, newest first.\n\n")
		printClientFlags(w)
		fmt.Fprintf(w, "  %-22s  %s\n", "--limit <n>", "Maximum events to show (default: 20)")
	case "device":
		fmt.Fprintf(w, "%s\n\n", bold("socsim device <id> [action] [key=value ...]"))
		fmt.Fprintf(w, "Without an action, show the device's response state and action log.\n")
		fmt.Fprintf(w, "Actions: isolate, release, kill_process, quarantine_file, block_ip,\n")
		fmt.Fprintf(w, "         block_domain, av_scan, collect_triage\n\n")
		printClientFlags(w)
		fmt.Fprintf(w, "\n  %s\n", dim("# Kill a process"))
		fmt.Fprintf(w, "  socsim device WS-001 kill_process process=procdump64.exe\n")
	case "playbook":
		fmt.Fprintf(w, "%s\n\n", bold("socsim playbook <subcommand>"))
		fmt.Fprintf(w, "%s\n", bold("SUBCOMMANDS"))
		fmt.Fprintf(w, "  %-30s  %s\n", "list", "List playbook definitions")
		fmt.Fprintf(w, "  %-30s  %s\n", "start <playbook> [--case <id>]", "Start a run")
		fmt.Fprintf(w, "  %-30s  %s\n", "approve <run> <step>", "Approve a waiting step")
		fmt.Fprintf(w, "  %-30s  %s\n", "reject <run> <step>", "Reject a waiting step")
		fmt.Fprintf(w, "  %-30s  %s\n", "runs", "List active and completed runs")
		fmt.Fprintf(w, "  %-30s  %s\n\n", "show <run>", "Show one run with its steps")
		printClientFlags(w)
	case "logs":
		fmt.Fprintf(w, "%s\n\n", bold("socsim logs"))
		fmt.Fprintf(w, "Fetch recent engine log lines, oldest first.\n\n")
		printClientFlags(w)
		fmt.Fprintf(w, "  %-22s  %s\n", "--lines, -n <n>", "Number of lines (default: 50)")
		fmt.Fprintf(w, "  %-22s  %s\n", "--level <lvl>", "Only show lines at this level")
	case "version":
		fmt.Fprintf(w, "%s\n\n", bold("socsim version"))
		fmt.Fprintf(w, "Print version, commit, Go version and platform.\n")
	default:
		fmt.Fprintf(os.Stderr, red("error: ")+"no help for %q\n", cmd)
		if s := suggest(cmd); s != "" {
			fmt.Fprintf(os.Stderr, "       Did you mean %s?\n", bold(s))
		}
		os.Exit(1)
	}
	fmt.Fprintln(w)
}

func printClientFlags(w io.Writer) {
	fmt.Fprintf(w, "%s\n", bold("FLAGS"))
	fmt.Fprintf(w, "  %-22s  %s\n", "--config <path>", "Config file path")
	fmt.Fprintf(w, "  %-22s  %s\n", "--host <host>", "API host override")
	fmt.Fprintf(w, "  %-22s  %s\n", "--port <port>", "API port override")
	fmt.Fprintf(w, "  %-22s  %s\n", "--api-key <key>", "API key for authentication")
	fmt.Fprintf(w, "  %-22s  %s\n", "--format <fmt>", "Output format: table, json, csv")
	fmt.Fprintf(w, "  %-22s  %s\n", "--json", "Shorthand for --format json")
	fmt.Fprintf(w, "  %-22s  %s\n", "--output <path>", "Write output to file")
	fmt.Fprintf(w, "  %-22s  %s\n", "--timeout <dur>", "Request timeout (default: 5s)")
}
