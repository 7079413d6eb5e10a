package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

const sample = `
devices:
  - name: hdhr-1
    streamURL: http://192.168.1.20:5004/auto/v%c%
    consumer: dynamic
    offlineTimeout: 5s
  - name: hdhr-2
    streamURL: http://192.168.1.21:5004/auto/v%c%
    tuneURL: http://192.168.1.21/tune/%c%
    padChannel: 3
dynamic:
  default: remux
  rules:
    raw: 2-13,45
    transcode: "100"
transcode:
  profiles:
    small: ["-c:v", "libx264", "-crf", "28", "-c:a", "aac"]
lineup:
  - number: "2"
    name: KTWO
  - number: "45"
    program: 3
`

func TestParse(t *testing.T) {
	f, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(f.Devices) != 2 || f.Devices[0].OfflineTimeout != 5*time.Second || f.Devices[1].PadChannel != 3 {
		t.Errorf("unexpected devices %+v", f.Devices)
	}
	if f.Dynamic.Default != "remux" || f.Dynamic.Rules["raw"] != "2-13,45" {
		t.Errorf("unexpected dynamic section %+v", f.Dynamic)
	}
	if got := f.Transcode.Profiles["small"]; len(got) != 6 {
		t.Errorf("unexpected profile %v", got)
	}
	if len(f.Lineup) != 2 || f.Lineup[1].Program != 3 {
		t.Errorf("unexpected lineup %+v", f.Lineup)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown field", "devicez: []", "field devicez not found"},
		{"missing name", "devices:\n  - streamURL: http://x/%c%", "missing name"},
		{"duplicate", "devices:\n  - {name: a, streamURL: 'http://x'}\n  - {name: a, streamURL: 'http://y'}", "duplicate name"},
		{"empty profile", "transcode:\n  profiles:\n    x: []", "no arguments"},
		{"lineup", "lineup:\n  - name: nothing", "missing number"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestParseEmpty(t *testing.T) {
	f, err := Parse(nil)
	if err != nil || len(f.Devices) != 0 {
		t.Errorf("expected empty file, got %+v, %v", f, err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tsbridge.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("BUFFER_SIZE", "1048576")
	t.Setenv("MAX_ANALYZE", "2500")
	t.Setenv("SCAN_DELAY", "1s")
	t.Setenv("MAX_RECORDINGS", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BufferSize != 1<<20 {
		t.Errorf("expected BUFFER_SIZE applied, got %d", cfg.BufferSize)
	}
	if cfg.MaxAnalyze != 2500*time.Millisecond || cfg.ScanDelay != time.Second {
		t.Errorf("unexpected durations %v %v", cfg.MaxAnalyze, cfg.ScanDelay)
	}
	if cfg.MaxRecordings != 8 {
		t.Errorf("expected fallback for bad MAX_RECORDINGS, got %d", cfg.MaxRecordings)
	}
	if cfg.UploadPort != 7818 || cfg.ListenAddr != ":8080" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if len(cfg.File.Devices) != 2 {
		t.Errorf("expected config file loaded, got %+v", cfg.File)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tsbridge.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}

	changes := make(chan *File, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Watch(ctx, path, 50*time.Millisecond, zap.NewNop(), func(f *File) { changes <- f })
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Not a change, and an invalid file is skipped.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("devicez: []"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	select {
	case f := <-changes:
		t.Fatalf("unexpected reload %+v", f)
	default:
	}

	updated := strings.Replace(sample, "default: remux", "default: raw", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case f := <-changes:
		if f.Dynamic.Default != "raw" {
			t.Errorf("expected reloaded default raw, got %q", f.Dynamic.Default)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config change not picked up")
	}
}
