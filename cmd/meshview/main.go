// Command meshview serves the live dashboard of an ICN sensor mesh,
// bridges sniffed 802.15.4 captures onto the broker, and follows a
// running dashboard from the terminal.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/meshview/internal/buildinfo"
	"github.com/nugget/meshview/internal/config"
)

// main only assembles the OS environment and hands it to [run], so the
// whole command surface can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// globals are the flags accepted before the command name.
type globals struct {
	configPath string
	output     string // "text" or "json"
}

// run is the real entry point for the meshview command. stdin feeds
// "sniff -i -", stdout receives logs and command output, and args is
// os.Args[1:].
//
// Arguments are parsed by hand: the flag package keeps its state in
// package globals, which rules out calling run from parallel tests.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	g := globals{output: "text"}
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if command != "" {
			cmdArgs = append(cmdArgs, arg)
			continue
		}
		if v, next, ok := flagValue(args, i, "-config"); ok {
			g.configPath, i = v, next
			continue
		}
		if v, next, ok := flagValue(args, i, "-o", "--output"); ok {
			g.output, i = v, next
			continue
		}
		switch {
		case arg == "-h" || arg == "-help" || arg == "--help":
			return printUsage(stdout)
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			command = arg
		}
	}

	if g.output != "text" && g.output != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", g.output)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, g.configPath)
	case "sniff":
		return runSniff(ctx, stdin, stdout, stderr, g, cmdArgs)
	case "watch":
		return runWatch(ctx, stdout, g.configPath, cmdArgs)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, g.output)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// flagValue matches args[i] against names in either "-name value" or
// "-name=value" form. It returns the value and the index of the last
// argument consumed.
func flagValue(args []string, i int, names ...string) (string, int, bool) {
	for _, name := range names {
		if v, ok := strings.CutPrefix(args[i], name+"="); ok {
			return v, i, true
		}
		if args[i] == name && i+1 < len(args) {
			return args[i+1], i + 1, true
		}
	}
	return "", i, false
}

// versionFields orders the text output of "meshview version".
var versionFields = []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"}

// runVersion prints build metadata as text or JSON.
func runVersion(w io.Writer, output string) error {
	info := buildinfo.Info()
	if output == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range versionFields {
		fmt.Fprintf(w, "  %-12s %s\n", k+":", info[k])
	}
	return nil
}

const usage = `meshview - live dashboard for an ICN sensor mesh

Usage: meshview [flags] <command> [args]

Commands:
  serve              Start the dashboard server
  sniff [-i file]    Publish a PCAP capture to the broker (default: stdin)
  watch [url]        Follow a running dashboard in the terminal
  init [dir]         Write an example config.yaml (default: .)
  version            Show version information

Flags:
  -config <path>     Path to config file (default: search below)
  -o, --output fmt   Output format for sniff and version: text or json

Config search order:
  ./config.yaml, ~/.config/meshview/config.yaml, /etc/meshview/config.yaml
`

func printUsage(w io.Writer) error {
	_, err := io.WriteString(w, usage)
	return err
}

// runServe handles "meshview serve". It wires the model, both broker
// links and the dashboard server, then blocks until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, path, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := configuredLogger(stdout, cfg)
	if err != nil {
		return err
	}
	if path != "" {
		logger.Info("config loaded", "path", path)
	} else {
		logger.Info("no config file found, using defaults")
	}
	if cfg.Sensors.AlarmOff > cfg.Sensors.AlarmOn {
		logger.Warn("alarm_off above alarm_on: alarms clear before they trigger",
			"alarm_on", cfg.Sensors.AlarmOn, "alarm_off", cfg.Sensors.AlarmOff)
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("meshview starting", "version", buildinfo.Version, "broker", cfg.MQTT.Broker)
	return a.run(ctx)
}

// runSniff handles "meshview sniff [-i file]". It decodes a PCAP stream
// and publishes packets and network records until the stream ends.
func runSniff(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, g globals, args []string) error {
	input := "-"
	for i := 0; i < len(args); i++ {
		v, next, ok := flagValue(args, i, "-i")
		if !ok {
			return fmt.Errorf("usage: meshview sniff [-i file|-]")
		}
		input, i = v, next
	}

	cfg, _, err := loadConfig(g.configPath)
	if err != nil {
		return err
	}
	// Logs go to stderr: stdout carries the run summary.
	logger, err := configuredLogger(stderr, cfg)
	if err != nil {
		return err
	}

	var src io.Reader = stdin
	if input != "-" {
		f, err := os.Open(input)
		if err != nil {
			return fmt.Errorf("open capture: %w", err)
		}
		defer f.Close()
		src = f
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stats, err := sniff(ctx, src, cfg, logger)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	if g.output == "json" {
		return json.NewEncoder(stdout).Encode(stats)
	}
	fmt.Fprintf(stdout, "frames %d, packets %d, network %d, skipped %d, malformed %d, failed %d\n",
		stats.Frames, stats.Packets, stats.Network, stats.Skipped, stats.Malformed, stats.Failed)
	return nil
}

// configuredLogger validates cfg and builds the logger it asks for.
func configuredLogger(w io.Writer, cfg *config.Config) (*slog.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := config.NewLogger(w, level, cfg.LogFormat)
	slog.SetDefault(logger)
	return logger, nil
}

// loadConfig locates and parses the YAML configuration file. An
// explicit path must exist; without one, a missing file yields
// [config.Default] and an empty path.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	switch {
	case err != nil && explicit != "":
		return nil, "", err
	case err != nil:
		return config.Default(), "", nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}

// shutdownTimeout bounds each step of the shutdown sequence.
const shutdownTimeout = 5 * time.Second
