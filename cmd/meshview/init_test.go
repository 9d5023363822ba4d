package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/nugget/meshview/examples"
	"github.com/nugget/meshview/internal/config"
)

// clearUmask sets the process umask to 0 so file permission assertions are
// deterministic. It restores the original umask when the test completes.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRunInit_FreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := filepath.Join(t.TempDir(), "meshview")
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	path := filepath.Join(dir, "config.yaml")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}
	if !strings.Contains(buf.String(), "✓ "+path) {
		t.Errorf("output missing written path:\n%s", buf.String())
	}

	// The example loads and validates as written.
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load example config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("example config invalid: %v", err)
	}
	def := config.Default()
	if cfg.MQTT.Broker != def.MQTT.Broker || cfg.Sensors != def.Sensors || cfg.Topology != def.Topology {
		t.Errorf("example config drifted from defaults:\n got %+v\nwant %+v", cfg, def)
	}
}

func TestRunInit_KeepsExistingConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	custom := []byte("listen:\n  port: 9999\n")
	if err := os.WriteFile(path, custom, 0o600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, custom) {
		t.Errorf("existing config overwritten:\n%s", got)
	}
	if !strings.Contains(buf.String(), "exists, kept") {
		t.Errorf("output does not report the kept file:\n%s", buf.String())
	}
}

func TestRunInit_Subcommand(t *testing.T) {
	dir := t.TempDir()
	out, err := runCmd(t, "init", dir)
	if err != nil {
		t.Fatalf("meshview init: %v", err)
	}
	if !strings.Contains(out, "Initializing meshview in "+dir) {
		t.Errorf("init output = %q", out)
	}
	got, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, examples.ConfigYAML) {
		t.Error("written config differs from the embedded example")
	}
}
