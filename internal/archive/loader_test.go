package archive_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-drover/internal/archive"
	"github.com/basket/go-drover/internal/archive/archivetest"
	"github.com/basket/go-drover/internal/sandbox/wasm/wasmtest"
	"github.com/basket/go-drover/internal/task"
)

type idleBody struct{ spec archive.Spec }

func (b *idleBody) Setup(*task.Worker) error { return nil }

func (b *idleBody) Work(ctx context.Context, w *task.Worker) error {
	<-ctx.Done()
	return ctx.Err()
}

var kinds = map[string]archive.Kind{
	"idle": func(spec archive.Spec) (task.Body, error) { return &idleBody{spec: spec}, nil },
}

type hostType struct{ name string }

func (h hostType) Name() string { return h.name }

func (h hostType) Registration() (task.Registration, error) {
	return task.Registration{Description: "compiled in", Abbreviation: "h"}, nil
}

func (h hostType) New() (task.Body, error) { return &idleBody{}, nil }

func newSource(t *testing.T, path string, catalog *archive.Catalog) *archive.Source {
	t.Helper()
	if catalog == nil {
		catalog = archive.NewCatalog()
	}
	return archive.NewSource(archive.SourceConfig{
		Path:      path,
		Namespace: "tasks",
		Host:      catalog,
		Kinds:     kinds,
	})
}

func openLoader(t *testing.T, src *archive.Source, gen int) *archive.Loader {
	t.Helper()
	l, err := src.Open(context.Background(), gen)
	if err != nil {
		t.Fatalf("open generation %d: %v", gen, err)
	}
	t.Cleanup(func() { _ = l.Close(context.Background()) })
	return l
}

func TestLoader_EntriesInArchiveOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.zip")
	archivetest.Write(t, path,
		archivetest.Manifest("tasks/beta_task.yaml", "b", "Beta", "idle"),
		archivetest.Text("tasks/pulse.wasm", "\x00asm"),
		archivetest.Text("README.md", "docs"),
		archivetest.Manifest("tasks/alpha_task.yaml", "a", "Alpha", "idle"),
		archivetest.Text("tasks/helpers.yaml", "kind: idle\n"),
		archivetest.Text("core/heartbeat_task.yaml", ""),
	)
	l := openLoader(t, newSource(t, path, nil), 1)

	names, err := l.Entries()
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	want := "tasks.beta_task,tasks.alpha_task,tasks.helpers,core.heartbeat_task"
	if got := strings.Join(names, ","); got != want {
		t.Fatalf("entries = %s, want %s", got, want)
	}
}

func TestLoader_ResolveReloadableType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.zip")
	archivetest.Write(t, path, archivetest.Text("tasks/alpha_task.yaml", `
registration:
  description: "  Keeps watch  "
  abbreviation: a
kind: idle
timeout_ms: 250
settings:
  topic: event
`))
	l := openLoader(t, newSource(t, path, nil), 1)

	typ, err := l.Resolve("tasks.alpha_task")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if typ.Name() != "tasks.alpha_task" {
		t.Fatalf("name = %q", typ.Name())
	}
	reg, err := typ.Registration()
	if err != nil {
		t.Fatalf("registration: %v", err)
	}
	if reg.Description != "Keeps watch" || reg.Abbreviation != "a" {
		t.Fatalf("registration = %+v", reg)
	}

	again, err := l.Resolve("tasks.alpha_task")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if again != typ {
		t.Fatal("a generation should define each type once")
	}

	w, err := task.New(typ, task.Env{MinTimeout: 10 * time.Millisecond}, task.Options{Abbrev: "a"})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	if got := w.Timeout().Milliseconds(); got != 250 {
		t.Fatalf("manifest timeout not applied: %dms", got)
	}
}

func TestLoader_NewGenerationSeesRewrittenArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.zip")
	archivetest.Write(t, path, archivetest.Manifest("tasks/alpha_task.yaml", "a", "first", "idle"))
	src := newSource(t, path, nil)

	gen1 := openLoader(t, src, 1)
	t1, err := gen1.Resolve("tasks.alpha_task")
	if err != nil {
		t.Fatalf("resolve gen1: %v", err)
	}

	archivetest.Write(t, path, archivetest.Manifest("tasks/alpha_task.yaml", "a", "second", "idle"))

	gen2 := openLoader(t, src, 2)
	t2, err := gen2.Resolve("tasks.alpha_task")
	if err != nil {
		t.Fatalf("resolve gen2: %v", err)
	}
	if t1 == t2 {
		t.Fatal("generations must not share type definitions")
	}
	r1, _ := t1.Registration()
	r2, _ := t2.Registration()
	if r1.Description != "first" || r2.Description != "second" {
		t.Fatalf("descriptions = %q, %q", r1.Description, r2.Description)
	}
}

func TestLoader_HostNamesAreDelegated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.zip")
	archivetest.Write(t, path, archivetest.Text("core/heartbeat_task.yaml", "ignored: true\n"))
	catalog := archive.NewCatalog()
	host := hostType{name: "core.heartbeat_task"}
	if err := catalog.Register(host); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := catalog.Register(host); err == nil {
		t.Fatal("duplicate host registration should fail")
	}
	l := openLoader(t, newSource(t, path, catalog), 1)

	typ, err := l.Resolve("core.heartbeat_task")
	if err != nil {
		t.Fatalf("resolve host type: %v", err)
	}
	if typ != task.Type(host) {
		t.Fatalf("expected the catalog's type, got %#v", typ)
	}

	_, err = l.Resolve("core.unknown_task")
	if !errors.Is(err, archive.ErrModuleNotFound) {
		t.Fatalf("unknown host name: %v", err)
	}
}

func TestLoader_ResolutionFailures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.zip")
	big := strings.Repeat("# padding\n", 2000)
	archivetest.Write(t, path,
		archivetest.Text("tasks/broken_task.yaml", "registration: [unterminated\n"),
		archivetest.Text("tasks/strange_task.yaml", "registration:\n  description: x\n  abbreviation: s\nkind: teleport\n"),
		archivetest.Text("tasks/empty_task.yaml", ""),
		archivetest.Text("tasks/huge_task.yaml", big+"kind: idle\n"),
	)
	src := archive.NewSource(archive.SourceConfig{
		Path:       path,
		Namespace:  "tasks",
		Kinds:      kinds,
		MaxGrowths: 1,
	})
	l := openLoader(t, src, 1)

	tests := []struct {
		name   string
		reason string
	}{
		{"tasks.ghost_task", archive.ReasonNotFound},
		{"tasks.broken_task", archive.ReasonMalformed},
		{"tasks.strange_task", archive.ReasonMalformed},
		{"tasks.empty_task", archive.ReasonMalformed},
		{"tasks.huge_task", archive.ReasonTooMuchData},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Resolve(tc.name)
			if err == nil {
				t.Fatal("expected resolution failure")
			}
			if got := archive.Reason(err); got != tc.reason {
				t.Fatalf("reason = %q, want %q (err=%v)", got, tc.reason, err)
			}
			var re *archive.ResolveError
			if !errors.As(err, &re) || re.Name != tc.name {
				t.Fatalf("error should name the type: %v", err)
			}
		})
	}
}

func TestLoader_MissingEntryFallsBackToHost(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.zip")
	archivetest.Write(t, path, archivetest.Text("README.md", "nothing here"))
	catalog := archive.NewCatalog()
	fallback := hostType{name: "tasks.legacy_task"}
	_ = catalog.Register(fallback)
	l := openLoader(t, newSource(t, path, catalog), 1)

	typ, err := l.Resolve("tasks.legacy_task")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if typ != task.Type(fallback) {
		t.Fatalf("expected host fallback, got %#v", typ)
	}
}

func TestLoader_MissingArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.zip")
	l := openLoader(t, newSource(t, path, nil), 1)

	if _, err := l.Entries(); err == nil {
		t.Fatal("entries on a missing archive should fail")
	}
	_, err := l.Resolve("tasks.alpha_task")
	if got := archive.Reason(err); got != archive.ReasonArchiveIO {
		t.Fatalf("reason = %q, want %q", got, archive.ReasonArchiveIO)
	}
}

func TestLoader_RegistrationValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.zip")
	archivetest.Write(t, path,
		archivetest.Text("tasks/anon_task.yaml", "kind: idle\n"),
		archivetest.Manifest("tasks/spaced_task.yaml", "a b", "Spaces", "idle"),
		archivetest.Manifest("tasks/blank_task.yaml", "x", "", "idle"),
		archivetest.Text("tasks/neg_task.yaml", "registration:\n  description: d\n  abbreviation: n\nkind: idle\ntimeout_ms: -5\n"),
	)
	l := openLoader(t, newSource(t, path, nil), 1)

	for _, name := range []string{"tasks.anon_task", "tasks.spaced_task", "tasks.blank_task", "tasks.neg_task"} {
		t.Run(name, func(t *testing.T) {
			typ, err := l.Resolve(name)
			if err != nil {
				t.Fatalf("resolve should succeed, registration should fail: %v", err)
			}
			if _, err := typ.Registration(); err == nil {
				t.Fatal("expected registration failure")
			}
		})
	}
}

func TestLoader_CompilesWasmBody(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.zip")
	manifest := "registration:\n  description: Pulse\n  abbreviation: p\nkind: idle\nwasm: %s\n"
	archivetest.Write(t, path,
		archivetest.Text("tasks/pulse_task.yaml", strings.Replace(manifest, "%s", "tasks/pulse.wasm", 1)),
		archivetest.Entry{Name: "tasks/pulse.wasm", Data: wasmtest.StepReturning(0)},
		archivetest.Text("tasks/nowasm_task.yaml", strings.Replace(manifest, "%s", "tasks/missing.wasm", 1)),
		archivetest.Text("tasks/junk_task.yaml", strings.Replace(manifest, "%s", "tasks/junk.wasm", 1)),
		archivetest.Text("tasks/junk.wasm", "not wasm"),
	)
	l := openLoader(t, newSource(t, path, nil), 1)

	typ, err := l.Resolve("tasks.pulse_task")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	body, err := typ.New()
	if err != nil {
		t.Fatalf("new body: %v", err)
	}
	if spec := body.(*idleBody).spec; spec.Module == nil || spec.TypeName != "tasks.pulse_task" {
		t.Fatalf("spec = %+v", spec)
	}

	if _, err := l.Resolve("tasks.nowasm_task"); archive.Reason(err) != archive.ReasonNotFound {
		t.Fatalf("missing wasm entry: %v", err)
	}
	if _, err := l.Resolve("tasks.junk_task"); archive.Reason(err) != archive.ReasonWasmCompile {
		t.Fatalf("junk wasm entry: %v", err)
	}
}

func TestSettings(t *testing.T) {
	s := archive.Settings{
		"topic":    "event",
		"keywords": []any{"stranger", "", "wolf"},
		"single":   "only",
		"count":    3,
		"alarm_ms": 1500,
	}
	if s.String("topic", "x") != "event" || s.String("nope", "x") != "x" {
		t.Fatal("String lookup")
	}
	if got := strings.Join(s.Strings("keywords"), ","); got != "stranger,wolf" {
		t.Fatalf("Strings = %q", got)
	}
	if got := s.Strings("single"); len(got) != 1 || got[0] != "only" {
		t.Fatalf("Strings single = %q", got)
	}
	if s.Int("count", 0) != 3 || s.Int("nope", 7) != 7 {
		t.Fatal("Int lookup")
	}
	if s.Duration("alarm_ms", 0).Milliseconds() != 1500 {
		t.Fatal("Duration lookup")
	}
}
