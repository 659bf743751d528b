package doctor

import (
	"context"
	"strings"
	"testing"

	"github.com/coolbuoy/matchbot/internal/config"
)

func testCfg(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		HomeDir:    dir,
		RuntimeDir: dir,
		BotName:    "matchbot",
		Port:       0, // bind an ephemeral port in checks
		Workers:    4,
		Platform:   config.PlatformConfig{APIURL: "wss://localhost/web/botapi"},
	}
}

func resultByName(d Diagnosis, name string) (CheckResult, bool) {
	for _, r := range d.Results {
		if r.Name == name {
			return r, true
		}
	}
	return CheckResult{}, false
}

func TestRun_AllChecksReport(t *testing.T) {
	d := Run(context.Background(), testCfg(t), "test")
	for _, name := range []string{"Config", "Credentials", "Instance", "Database", "Platform", "Permissions", "Port"} {
		if _, ok := resultByName(d, name); !ok {
			t.Errorf("check %q missing from diagnosis", name)
		}
	}
	if d.System.OS == "" || d.System.Go == "" {
		t.Error("system info incomplete")
	}
}

func TestRun_NilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	r, _ := resultByName(d, "Config")
	if r.Status != "FAIL" {
		t.Errorf("Config status = %s, want FAIL", r.Status)
	}
	if !d.Failed() {
		t.Error("Failed() = false with a FAIL result")
	}
}

func TestCheckCredentials_ListsMissing(t *testing.T) {
	cfg := testCfg(t)
	r := checkCredentials(context.Background(), cfg)
	if r.Status != "FAIL" {
		t.Fatalf("status = %s, want FAIL with no credentials", r.Status)
	}
	for _, v := range []string{"BOT_TOKEN", "ROOM_ID", "MONGODB_URI"} {
		if !strings.Contains(r.Message, v) {
			t.Errorf("message %q does not name %s", r.Message, v)
		}
	}

	cfg.BotToken = "tok"
	cfg.RoomID = "room"
	cfg.MongoURI = "mongodb://localhost:27017"
	if r := checkCredentials(context.Background(), cfg); r.Status != "PASS" {
		t.Errorf("status = %s, want PASS with all credentials", r.Status)
	}
}

func TestCheckDatabase_SkipsWithoutURI(t *testing.T) {
	r := checkDatabase(context.Background(), testCfg(t))
	if r.Status != "SKIP" {
		t.Errorf("status = %s, want SKIP without MONGODB_URI", r.Status)
	}
}

func TestCheckInstanceLock_NoInstance(t *testing.T) {
	r := checkInstanceLock(context.Background(), testCfg(t))
	if r.Status != "PASS" {
		t.Errorf("status = %s, want PASS with no lock files", r.Status)
	}
}

func TestCheckPlatform_BadURL(t *testing.T) {
	cfg := testCfg(t)
	cfg.Platform.APIURL = "://not-a-url"
	r := checkPlatform(context.Background(), cfg)
	if r.Status != "FAIL" {
		t.Errorf("status = %s, want FAIL for malformed URL", r.Status)
	}
}

func TestCheckPermissions_UnwritableDir(t *testing.T) {
	cfg := testCfg(t)
	cfg.RuntimeDir = "/proc/definitely-not-writable"
	r := checkPermissions(context.Background(), cfg)
	if r.Status != "FAIL" {
		t.Errorf("status = %s, want FAIL for unwritable runtime dir", r.Status)
	}
}

func TestCheckPort_FreePort(t *testing.T) {
	r := checkPort(context.Background(), testCfg(t))
	if r.Status != "PASS" {
		t.Errorf("status = %s, want PASS for ephemeral port", r.Status)
	}
}

func TestFailed(t *testing.T) {
	d := Diagnosis{Results: []CheckResult{{Status: "PASS"}, {Status: "WARN"}}}
	if d.Failed() {
		t.Error("Failed() = true without FAIL results")
	}
	d.Results = append(d.Results, CheckResult{Status: "FAIL"})
	if !d.Failed() {
		t.Error("Failed() = false with a FAIL result")
	}
}
