package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nuetzliches/rulepost/internal/config"
	"github.com/nuetzliches/rulepost/internal/engine"
)

const validRulepostfile = `
listen :0

history {
	backend memory
}

engine {
	source https://unit.example.com/
}

rule on-create {
	on cellctl.create
	action engine
	service https://svc.example.com/engine
	path hooks/create
}
`

func writeConfigFile(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "Rulepostfile")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig(writeConfigFile(t, validRulepostfile))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if len(cfg.Rules) != 1 || cfg.Rules[0].Name != "on-create" {
		t.Fatalf("rules = %+v", cfg.Rules)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	_, err := loadConfig(writeConfigFile(t, "rule broken {\n\taction engine\n}\n"))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "invalid config") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestBuildRules(t *testing.T) {
	rules := buildRules([]config.RuleConfig{
		{Name: "a", On: "cellctl.", Action: "engine", Service: "https://svc.example.com/", Path: "p"},
		{Name: "b", On: "*", Action: "relay", Service: "https://relay.example.com/", Token: "tok"},
	})
	if len(rules) != 2 {
		t.Fatalf("got %d rules", len(rules))
	}
	if rules[0].Path != "p" || rules[1].Token != "tok" {
		t.Fatalf("rules = %+v", rules)
	}
}

func TestReloadRules(t *testing.T) {
	path := writeConfigFile(t, validRulepostfile)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	eng := engine.New(buildRules(cfg.Rules), engine.Options{})

	updated := strings.Replace(validRulepostfile, "on cellctl.create", "on boxctl.", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	reloadRules(path, eng, nil, "test")

	rules := eng.Rules()
	if len(rules) != 1 || rules[0].On != "boxctl." {
		t.Fatalf("rules after reload = %+v", rules)
	}

	// A broken file must leave the active rules untouched.
	if err := os.WriteFile(path, []byte("rule broken {\n\taction engine\n}\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	reloadRules(path, eng, nil, "test")
	rules = eng.Rules()
	if len(rules) != 1 || rules[0].On != "boxctl." {
		t.Fatalf("rules after failed reload = %+v", rules)
	}
}

func TestNewHistoryStore(t *testing.T) {
	store, backend, err := newHistoryStore(config.HistoryConfig{})
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	defer store.Close()
	if backend != "memory" {
		t.Fatalf("backend = %q, want memory", backend)
	}

	dbPath := filepath.Join(t.TempDir(), "attempts.db")
	sq, backend, err := newHistoryStore(config.HistoryConfig{Backend: "sqlite", Path: dbPath})
	if err != nil {
		t.Fatalf("sqlite store: %v", err)
	}
	defer sq.Close()
	if backend != "sqlite" {
		t.Fatalf("backend = %q, want sqlite", backend)
	}

	if _, _, err := newHistoryStore(config.HistoryConfig{Backend: "bogus"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestClaimPIDFile(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "rulepost.pid")

	release, err := claimPIDFile(pidPath)
	if err != nil {
		t.Fatalf("claimPIDFile: %v", err)
	}

	pid, err := readPIDFile(pidPath)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("pid = %d, want %d", pid, os.Getpid())
	}

	// A second claim against our own live process must fail.
	if _, err := claimPIDFile(pidPath); err == nil {
		t.Fatal("expected claim conflict for running process")
	}

	release()
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Fatalf("pid file not removed: %v", err)
	}
}

func TestClaimPIDFileStale(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "rulepost.pid")
	// No live process has this pid; the file is stale and reclaimable.
	if err := os.WriteFile(pidPath, []byte("999999999\n"), 0o600); err != nil {
		t.Fatalf("write pid file: %v", err)
	}

	release, err := claimPIDFile(pidPath)
	if err != nil {
		t.Fatalf("claimPIDFile over stale file: %v", err)
	}
	release()
}

func TestClaimPIDFileEmptyPathIsNoop(t *testing.T) {
	release, err := claimPIDFile("  ")
	if err != nil {
		t.Fatalf("claimPIDFile: %v", err)
	}
	release()
}
