package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/go-drover/internal/archive"
	"github.com/basket/go-drover/internal/config"
	"github.com/basket/go-drover/internal/cron"
	"github.com/basket/go-drover/internal/persistence"
	"github.com/basket/go-drover/internal/sandbox/wasm"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkArchive,
		checkHistory,
		checkWasm,
		checkSchedules,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if _, err := os.Stat(cfg.ConfigPath()); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: "PASS", Message: "Using defaults (no config.yaml)", Detail: cfg.ConfigPath()}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.ConfigPath())}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

// checkArchive opens the archive the way a registry generation does and
// counts the manifests in the configured namespace.
func checkArchive(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Archive", Status: "SKIP", Message: "Config missing"}
	}
	src := archive.NewSource(archive.SourceConfig{Path: cfg.ArchivePath, Namespace: cfg.Namespace})
	l, err := src.Open(ctx, 0)
	if err != nil {
		return CheckResult{Name: "Archive", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer l.Close(ctx)

	names, err := l.Entries()
	if err != nil {
		return CheckResult{
			Name:    "Archive",
			Status:  "WARN",
			Message: "Archive unavailable",
			Detail:  err.Error(),
		}
	}
	prefix := cfg.Namespace + "."
	inNamespace := 0
	for _, n := range names {
		if strings.HasPrefix(n, prefix) {
			inNamespace++
		}
	}
	if inNamespace == 0 {
		return CheckResult{Name: "Archive", Status: "WARN", Message: fmt.Sprintf("No task manifests under %s/", cfg.Namespace), Detail: cfg.ArchivePath}
	}
	return CheckResult{Name: "Archive", Status: "PASS", Message: fmt.Sprintf("%d task manifests", inNamespace), Detail: cfg.ArchivePath}
}

func checkHistory(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "History", Status: "SKIP", Message: "Config missing"}
	}
	if !cfg.History() {
		return CheckResult{Name: "History", Status: "SKIP", Message: "Run history disabled"}
	}
	store, err := persistence.Open(cfg.HistoryDB)
	if err != nil {
		return CheckResult{Name: "History", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.ListRuns(ctx, 1); err != nil {
		return CheckResult{Name: "History", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "History", Status: "PASS", Message: "Connection and schema valid", Detail: cfg.HistoryDB}
}

func checkWasm(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "WASM Runtime", Status: "SKIP", Message: "Config missing"}
	}
	host, err := wasm.NewHost(ctx, wasm.Config{MemoryLimitPages: cfg.Wasm.MemoryLimitPages})
	if err != nil {
		return CheckResult{Name: "WASM Runtime", Status: "FAIL", Message: fmt.Sprintf("Runtime init failed: %v", err)}
	}
	_ = host.Close(ctx)
	return CheckResult{Name: "WASM Runtime", Status: "PASS", Message: fmt.Sprintf("Memory limit %d pages", cfg.Wasm.MemoryLimitPages)}
}

func checkSchedules(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Schedules", Status: "SKIP", Message: "Config missing"}
	}
	if len(cfg.Schedules) == 0 {
		return CheckResult{Name: "Schedules", Status: "PASS", Message: "No schedules configured"}
	}
	now := time.Now()
	var details []string
	for i, s := range cfg.Schedules {
		name := s.Name
		if name == "" {
			name = fmt.Sprintf("schedules[%d]", i)
		}
		next, err := cron.NextRunTime(s.Cron, now)
		if err != nil {
			return CheckResult{Name: "Schedules", Status: "FAIL", Message: fmt.Sprintf("%s: invalid cron %q", name, s.Cron), Detail: err.Error()}
		}
		details = append(details, fmt.Sprintf("%s next %s", name, next.Format(time.RFC3339)))
	}
	return CheckResult{
		Name:    "Schedules",
		Status:  "PASS",
		Message: fmt.Sprintf("%d schedules", len(cfg.Schedules)),
		Detail:  strings.Join(details, "; "),
	}
}
