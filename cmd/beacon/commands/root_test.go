package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/adrg/xdg"
	"github.com/spf13/cobra"
)

func TestNewRootCmd(t *testing.T) {
	cmd := NewRootCmd()
	if cmd.Use != "beacon" {
		t.Errorf("Use = %q, want beacon", cmd.Use)
	}
	want := []string{"init", "status", "id", "aggregate", "sync", "report", "drain", "decoy",
		"exposure", "clear", "export <dir>", "run", "backend", "version"}
	for _, name := range want {
		found := false
		for _, sub := range cmd.Commands() {
			if sub.Use == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("subcommand %q not found", name)
		}
	}
	for _, flag := range []string{"config", "env-file", "log-level", "data-dir"} {
		if cmd.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("--%s flag not found", flag)
		}
	}
}

// run executes the CLI with an isolated environment and data directory.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("BEACON_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("BEACON_LOG_SINK", "discard")
	xdg.Reload()
	configPath, envFile, logLevel, dataDir = "", filepath.Join(dir, ".env"), "", ""

	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--env-file", envFile}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	SetVersion("1.2.3", "abc")
	out, err := run(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "1.2.3") || !strings.Contains(out, "abc") {
		t.Fatalf("version output %q", out)
	}
}

func TestInitWritesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beacon.yaml")
	if _, err := run(t, "init", "--config", path); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "schedule:") {
		t.Fatalf("config lacks schedule section:\n%s", b)
	}
	if _, err := run(t, "init", "--config", path); err == nil {
		t.Fatal("expected init to refuse overwriting")
	}
}

func TestStatusOnFreshDevice(t *testing.T) {
	out, err := run(t, "status")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"handshakes", "last sync", "never"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output lacks %q:\n%s", want, out)
		}
	}
}

func TestSyncWithoutBackendFails(t *testing.T) {
	if _, err := run(t, "sync"); err == nil {
		t.Fatal("expected sync to fail without a backend")
	}
}

func TestClearNeedsConfirmation(t *testing.T) {
	if _, err := run(t, "clear"); err == nil {
		t.Fatal("expected clear without --yes to fail")
	}
	if _, err := run(t, "clear", "--yes"); err != nil {
		t.Fatal(err)
	}
}

func TestExportSubcommands(t *testing.T) {
	var cmd *cobra.Command
	for _, sub := range NewRootCmd().Commands() {
		if sub.Name() == "export" {
			cmd = sub
		}
	}
	if cmd == nil {
		t.Fatal("export command missing")
	}
	if len(cmd.Commands()) != 1 || cmd.Commands()[0].Name() != "inspect" {
		t.Fatalf("export subcommands: %v", cmd.Commands())
	}
	if _, err := parseLevel("turbo"); err == nil {
		t.Fatal("expected unknown level error")
	}
}

func TestLoadOrCreateKeyIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.pem")
	a, err := loadOrCreateKey(path)
	if err != nil {
		t.Fatal(err)
	}
	b, err := loadOrCreateKey(path)
	if err != nil {
		t.Fatal(err)
	}
	pa, _ := a.PublicKeyPEM()
	pb, _ := b.PublicKeyPEM()
	if !bytes.Equal(pa, pb) {
		t.Fatal("key changed between loads")
	}
}
