package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/klauspost/compress/zip"

	"github.com/basket/go-drover/internal/sandbox/wasm"
	"github.com/basket/go-drover/internal/task"
)

// SourceConfig describes where reloadable types come from.
type SourceConfig struct {
	Path      string
	Namespace string
	Host      Resolver
	Kinds     map[string]Kind
	Wasm      wasm.Config
	Logger    *slog.Logger
	// MaxGrowths caps entry size at 4KiB << MaxGrowths. 0 uses the default.
	MaxGrowths int
}

// Source creates one Loader per reload generation.
type Source struct {
	cfg SourceConfig
}

func NewSource(cfg SourceConfig) *Source {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Host == nil {
		cfg.Host = NewCatalog()
	}
	if cfg.MaxGrowths <= 0 {
		cfg.MaxGrowths = defaultMaxGrowths
	}
	cfg.Namespace = strings.Trim(cfg.Namespace, ".")
	return &Source{cfg: cfg}
}

func (s *Source) Path() string { return s.cfg.Path }

// Open returns a fresh loader. Types it defines are never shared with
// loaders of other generations.
func (s *Source) Open(_ context.Context, generation int) (*Loader, error) {
	return &Loader{
		cfg:        s.cfg,
		generation: generation,
		logger:     s.cfg.Logger.With("component", "loader", "generation", generation),
		defined:    make(map[string]task.Type),
	}, nil
}

// Loader resolves type names for one generation. The archive is opened and
// closed on every call so it may be rewritten between generations.
type Loader struct {
	cfg        SourceConfig
	generation int
	logger     *slog.Logger

	mu      sync.Mutex
	defined map[string]task.Type
	wasm    *wasm.Host
	closed  bool
}

func (l *Loader) Generation() int { return l.generation }

// Entries lists the type names found in the archive, in archive order.
func (l *Loader) Entries() ([]string, error) {
	zr, err := zip.OpenReader(l.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", l.cfg.Path, err)
	}
	defer zr.Close()

	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		if name, ok := TypeNameFromEntry(f.Name); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// Resolve returns the type called name. Names outside the reloadable
// namespace always go to the host resolver. A reloadable name that cannot
// be defined from the archive is logged and also handed to the host
// resolver; if that fails too the original cause is returned.
func (l *Loader) Resolve(name string) (task.Type, error) {
	if !l.inNamespace(name) {
		return l.cfg.Host.Resolve(name)
	}

	l.mu.Lock()
	if t, ok := l.defined[name]; ok {
		l.mu.Unlock()
		return t, nil
	}
	l.mu.Unlock()

	t, err := l.define(name)
	if err != nil {
		l.logger.Warn("reloadable type unavailable, falling back to host resolver",
			"type", name, "reason", Reason(err), "error", err)
		if ht, herr := l.cfg.Host.Resolve(name); herr == nil {
			return ht, nil
		}
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.defined[name]; ok {
		return existing, nil
	}
	l.defined[name] = t
	l.logger.Debug("type defined", "type", name)
	return t, nil
}

// ReadEntry returns the full contents of one archive entry.
func (l *Loader) ReadEntry(entry string) ([]byte, error) {
	zr, err := zip.OpenReader(l.cfg.Path)
	if err != nil {
		return nil, &ResolveError{Name: entry, Reason: ReasonArchiveIO, Err: err}
	}
	defer zr.Close()

	var file *zip.File
	for _, f := range zr.File {
		if f.Name == entry {
			file = f
			break
		}
	}
	if file == nil {
		return nil, &ResolveError{Name: entry, Reason: ReasonNotFound, Err: ErrModuleNotFound}
	}

	rc, err := file.Open()
	if err != nil {
		return nil, &ResolveError{Name: entry, Reason: ReasonArchiveIO, Err: err}
	}
	defer rc.Close()

	data, err := readAll(rc, initialBufferSize, l.cfg.MaxGrowths)
	if err != nil {
		if errors.Is(err, ErrTooMuchData) {
			return nil, &ResolveError{Name: entry, Reason: ReasonTooMuchData, Err: err}
		}
		return nil, &ResolveError{Name: entry, Reason: ReasonArchiveIO, Err: err}
	}
	return data, nil
}

// Close releases the generation's guest runtime.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	host := l.wasm
	l.wasm = nil
	l.closed = true
	l.mu.Unlock()
	if host == nil {
		return nil
	}
	return host.Close(ctx)
}

func (l *Loader) define(name string) (task.Type, error) {
	data, err := l.ReadEntry(EntryNameFromType(name))
	if err != nil {
		var re *ResolveError
		if errors.As(err, &re) {
			re.Name = name
		}
		return nil, err
	}

	m, doc, err := decodeManifest(data)
	if err != nil {
		return nil, &ResolveError{Name: name, Reason: ReasonMalformed, Err: err}
	}
	kind, ok := l.cfg.Kinds[m.Kind]
	if !ok {
		return nil, &ResolveError{Name: name, Reason: ReasonMalformed, Err: fmt.Errorf("unknown kind %q", m.Kind)}
	}

	t := &manifestType{
		name:       name,
		generation: l.generation,
		manifest:   m,
		doc:        doc,
		kind:       kind,
	}
	if m.Wasm != "" {
		mod, err := l.compile(name, m.Wasm)
		if err != nil {
			return nil, err
		}
		t.module = mod
	}
	return t, nil
}

func (l *Loader) compile(name, entry string) (*wasm.Module, error) {
	code, err := l.ReadEntry(entry)
	if err != nil {
		return nil, &ResolveError{Name: name, Reason: Reason(err), Err: err}
	}
	host, err := l.wasmHost()
	if err != nil {
		return nil, &ResolveError{Name: name, Reason: ReasonWasmCompile, Err: err}
	}
	mod, err := host.Compile(context.Background(), name, code)
	if err != nil {
		return nil, &ResolveError{Name: name, Reason: ReasonWasmCompile, Err: err}
	}
	return mod, nil
}

func (l *Loader) wasmHost() (*wasm.Host, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, errors.New("loader closed")
	}
	if l.wasm != nil {
		return l.wasm, nil
	}
	cfg := l.cfg.Wasm
	cfg.Logger = l.logger
	host, err := wasm.NewHost(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	l.wasm = host
	return host, nil
}

func (l *Loader) inNamespace(name string) bool {
	if l.cfg.Namespace == "" {
		return false
	}
	return strings.HasPrefix(name, l.cfg.Namespace+".")
}

// TypeNameFromEntry maps "tasks/guard_task.yaml" to "tasks.guard_task".
func TypeNameFromEntry(entry string) (string, bool) {
	if strings.HasSuffix(entry, "/") || !strings.HasSuffix(entry, TypeSuffix) {
		return "", false
	}
	base := strings.TrimSuffix(entry, TypeSuffix)
	if base == "" {
		return "", false
	}
	for _, seg := range strings.Split(base, "/") {
		if seg == "" || strings.Contains(seg, ".") {
			return "", false
		}
	}
	return strings.ReplaceAll(base, "/", "."), true
}

// EntryNameFromType is the inverse of TypeNameFromEntry.
func EntryNameFromType(name string) string {
	return strings.ReplaceAll(name, ".", "/") + TypeSuffix
}
