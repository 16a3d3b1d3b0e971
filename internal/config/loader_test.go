package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml",
		"addr: :9999\nshared_dir: /mnt/shared\ndata_dir: /var/lib/inferd\ndefault_model: m1\nreference_dirs:\n  - /a\n  - /b\nload_timeout_sec: 45\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.SharedDir != "/mnt/shared" || cfg.DataDir != "/var/lib/inferd" || cfg.DefaultModel != "m1" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if len(cfg.ReferenceDirs) != 2 || cfg.ReferenceDirs[0] != "/a" {
		t.Fatalf("unexpected reference dirs: %v", cfg.ReferenceDirs)
	}
	if cfg.LoadTimeoutSec != 45 {
		t.Fatalf("unexpected load timeout: %d", cfg.LoadTimeoutSec)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json",
		`{"addr":":7070","data_dir":"/d","default_model":"m2","infer_timeout_sec":120,"cors_origins":["http://localhost:5173"]}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.DataDir != "/d" || cfg.DefaultModel != "m2" || cfg.InferTimeoutSec != 120 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if len(cfg.CORSOrigins) != 1 {
		t.Fatalf("unexpected cors origins: %v", cfg.CORSOrigins)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml",
		"addr=\":8081\"\nshared_dir=\"/x\"\ndefault_model=\"m3\"\nmax_body_bytes=2097152\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8081" || cfg.SharedDir != "/x" || cfg.DefaultModel != "m3" || cfg.MaxBodyBytes != 2097152 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
	if _, err := Load(filepath.Join(d, "missing.yaml")); err == nil {
		t.Fatalf("expected error on missing file")
	}
	bad := writeTempFile(t, d, "bad.yaml", "addr: [unclosed")
	if _, err := Load(bad); err == nil {
		t.Fatalf("expected yaml parse error")
	}
}
