package main

// ---------------------------------------------------------------------------
// helpers.go - terminal color, error helpers, env overrides and the shared
// client flags of commands that talk to a running instance
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/1sec-project/socsim/internal/core"
)

// ---------------------------------------------------------------------------
// Color
// ---------------------------------------------------------------------------

const ansiReset = "\033[0m"

func colorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	fi, err := os.Stderr.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

func paint(code string) func(string) string {
	return func(s string) string {
		if !colorEnabled() {
			return s
		}
		return code + s + ansiReset
	}
}

var (
	red    = paint("\033[91m")
	yellow = paint("\033[93m")
	green  = paint("\033[32m")
	cyan   = paint("\033[36m")
	dim    = paint("\033[90m")
	bold   = paint("\033[1m")
)

// statusColor colors run and step statuses.
func statusColor(status string) string {
	switch core.StepStatus(status) {
	case core.StepCompleted, core.StepApproved:
		return green(status)
	case core.StepRejected, core.StepStatus(core.RunCancelled):
		return red(status)
	case core.StepWaitingApproval, core.StepRunning:
		return yellow(status)
	}
	return dim(status)
}

func errorf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, red("error: ")+format+"\n", args...)
	os.Exit(1)
}

func warnf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, yellow("warn: ")+format+"\n", args...)
}

// ---------------------------------------------------------------------------
// Environment overrides
//
//   SOCSIM_CONFIG   default config file path
//   SOCSIM_HOST     API host override
//   SOCSIM_PORT     API port override
//   SOCSIM_API_KEY  API key for authentication
// ---------------------------------------------------------------------------

const defaultConfigPath = "configs/default.yaml"

// envConfig returns the config path. An explicit flag beats SOCSIM_CONFIG,
// which beats the default.
func envConfig(flagVal string) string {
	if flagVal == defaultConfigPath || flagVal == "" {
		if e := os.Getenv("SOCSIM_CONFIG"); e != "" {
			return e
		}
	}
	return flagVal
}

func envHost(flagVal string) string {
	if flagVal == "" {
		return os.Getenv("SOCSIM_HOST")
	}
	return flagVal
}

func envPort(flagVal int) int {
	if flagVal != 0 {
		return flagVal
	}
	p, err := strconv.Atoi(os.Getenv("SOCSIM_PORT"))
	if err != nil {
		return 0
	}
	return p
}

// apiBase builds the API base URL from config, then applies overrides. A
// wildcard listen address is reached through loopback.
func apiBase(configPath, hostOverride string, portOverride int) string {
	host, port := "127.0.0.1", 1790
	if cfg, err := core.LoadConfig(configPath); err == nil {
		if h := cfg.Server.Host; h != "" && h != "0.0.0.0" {
			host = h
		}
		if cfg.Server.Port != 0 {
			port = cfg.Server.Port
		}
	}
	if hostOverride != "" {
		host = hostOverride
	}
	if portOverride != 0 {
		port = portOverride
	}
	return "http://" + host + ":" + strconv.Itoa(port)
}

// resolveAPIKey returns the key from flag, env, or config, in that order.
// Among configured keys the one with the strongest role wins, ties broken
// by key order.
func resolveAPIKey(flagKey, configPath string) string {
	if flagKey != "" {
		return flagKey
	}
	if envKey := os.Getenv("SOCSIM_API_KEY"); envKey != "" {
		return envKey
	}
	cfg, err := core.LoadConfig(configPath)
	if err != nil {
		return ""
	}
	best := ""
	for k, v := range cfg.Server.APIKeys {
		if best == "" {
			best = k
			continue
		}
		cur := cfg.Server.APIKeys[best].Role
		if v.Role > cur || (v.Role == cur && k < best) {
			best = k
		}
	}
	return best
}

func hasFlag(args []string, flags ...string) bool {
	return slices.ContainsFunc(args, func(a string) bool { return slices.Contains(flags, a) })
}

// ---------------------------------------------------------------------------
// Typo correction for unknown commands
// ---------------------------------------------------------------------------

// suggest returns the command input most likely meant: a prefix match first,
// then any command one edit away.
func suggest(input string) string {
	input = strings.ToLower(input)
	if input == "" {
		return ""
	}
	for _, c := range commandTable {
		if strings.HasPrefix(c.name, input) || strings.HasPrefix(input, c.name) {
			return c.name
		}
	}
	for _, c := range commandTable {
		if editDistance(c.name, input) <= 1 {
			return c.name
		}
	}
	return ""
}

// editDistance is the Levenshtein distance between a and b.
func editDistance(a, b string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// ---------------------------------------------------------------------------
// Argument helpers
// ---------------------------------------------------------------------------

// parseParams turns key=value arguments into an action parameter map.
func parseParams(args []string) (map[string]string, error) {
	params := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("parameter %q is not key=value", a)
		}
		params[k] = strings.TrimSpace(v)
	}
	return params, nil
}

// splitFlags separates positional arguments from flags so flags may follow
// positionals, e.g. "device WS-001 isolate --json".
func splitFlags(args []string, valueFlags ...string) (positional, flags []string) {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "-" || !strings.HasPrefix(a, "-") {
			positional = append(positional, a)
			continue
		}
		flags = append(flags, a)
		name := strings.TrimLeft(a, "-")
		if !strings.Contains(name, "=") && slices.Contains(valueFlags, name) && i+1 < len(args) {
			i++
			flags = append(flags, args[i])
		}
	}
	return positional, flags
}

// ---------------------------------------------------------------------------
// Client flags
// ---------------------------------------------------------------------------

type clientFlags struct {
	configPath *string
	host       *string
	port       *int
	apiKey     *string
	format     *string
	jsonOut    *bool
	output     *string
	timeout    *time.Duration
}

func addClientFlags(fs *flag.FlagSet) *clientFlags {
	return &clientFlags{
		configPath: fs.String("config", defaultConfigPath, "Config file path"),
		host:       fs.String("host", "", "API host override"),
		port:       fs.Int("port", 0, "API port override"),
		apiKey:     fs.String("api-key", "", "API key for authentication"),
		format:     fs.String("format", "table", "Output format: table, json, csv"),
		jsonOut:    fs.Bool("json", false, "Shorthand for --format json"),
		output:     fs.String("output", "", "Write output to file"),
		timeout:    fs.Duration("timeout", 5*time.Second, "Request timeout"),
	}
}

// clientValueFlags names the client flags that consume a value, for splitFlags.
var clientValueFlags = []string{"config", "host", "port", "api-key", "format", "output", "timeout"}

// client is a resolved clientFlags.
type client struct {
	base    string
	apiKey  string
	timeout time.Duration
	format  OutputFormat
	output  string
}

func (c *clientFlags) resolve() client {
	configPath := envConfig(*c.configPath)
	format := parseFormat(*c.format)
	if *c.jsonOut {
		format = FormatJSON
	}
	return client{
		base:    apiBase(configPath, envHost(*c.host), envPort(*c.port)),
		apiKey:  resolveAPIKey(*c.apiKey, configPath),
		timeout: *c.timeout,
		format:  format,
		output:  *c.output,
	}
}

func (c client) get(path string) []byte {
	body, err := apiGet(c.base+path, c.apiKey, c.timeout)
	if err != nil {
		errorf("%v", err)
	}
	return body
}

func (c client) post(path string, payload interface{}) []byte {
	var data []byte
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			errorf("encoding request: %v", err)
		}
	}
	body, err := apiPost(c.base+path, data, c.apiKey, c.timeout)
	if err != nil {
		errorf("%v", err)
	}
	return body
}

func decodeJSON(body []byte, v interface{}) {
	if err := json.Unmarshal(body, v); err != nil {
		errorf("parsing response: %v", err)
	}
}
