package main

// ---------------------------------------------------------------------------
// main.go - command table and dispatch for the socsim CLI
//
// Command implementations live in cmd_*.go. Shared helpers are in
// helpers.go, http.go, output.go and banner.go.
// ---------------------------------------------------------------------------

import (
	"fmt"
	"os"
)

var (
	version   = "0.3.0"
	commit    = "dev"
	buildDate = "unknown"
)

type command struct {
	name    string
	summary string
	run     func(args []string)
}

// commandTable is ordered as printed by usage. It is filled in init because
// the help command refers back to it.
var commandTable []command

func init() {
	commandTable = []command{
		{"up", "Start the simulation engine and API server", cmdUp},
		{"feed", "Generate a deterministic event feed offline", cmdFeed},
		{"status", "Show status of a running instance", cmdStatus},
		{"events", "List buffered live feed events", cmdEvents},
		{"device", "Show a device or perform an EDR action on it", cmdDevice},
		{"playbook", "Start playbook runs, decide approvals, list runs", cmdPlaybook},
		{"logs", "Fetch recent engine logs", cmdLogs},
		{"version", "Print version and build info", func([]string) { printVersion(os.Stdout) }},
		{"help", "Show help for a command", runHelp},
	}
}

func lookupCommand(name string) (command, bool) {
	for _, c := range commandTable {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func runHelp(args []string) {
	if len(args) == 0 {
		printUsage(os.Stdout)
		return
	}
	cmdHelp(args[0])
}

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		return
	}

	name, args := os.Args[1], os.Args[2:]
	switch name {
	case "--version", "-V":
		name = "version"
	case "--help", "-h":
		name = "help"
	}

	cmd, ok := lookupCommand(name)
	if !ok {
		fmt.Fprintf(os.Stderr, red("error: ")+"unknown command %q\n\n", name)
		if s := suggest(name); s != "" {
			fmt.Fprintf(os.Stderr, "       Did you mean %s?\n\n", bold(s))
		}
		printUsage(os.Stderr)
		os.Exit(1)
	}
	if name != "help" && hasFlag(args, "-h", "--help") {
		cmdHelp(name)
		return
	}
	cmd.run(args)
}
