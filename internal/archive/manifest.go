package archive

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-drover/internal/sandbox/wasm"
	"github.com/basket/go-drover/internal/task"
)

// TypeSuffix marks archive entries that define types.
const TypeSuffix = ".yaml"

// Manifest is the decoded form of a reloadable type entry.
type Manifest struct {
	Registration *struct {
		Description  string `yaml:"description"`
		Abbreviation string `yaml:"abbreviation"`
	} `yaml:"registration"`
	Kind      string   `yaml:"kind"`
	TimeoutMS int      `yaml:"timeout_ms"`
	Settings  Settings `yaml:"settings"`
	Wasm      string   `yaml:"wasm"`
}

func decodeManifest(data []byte) (Manifest, any, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, nil, err
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Manifest{}, nil, err
	}
	if doc == nil {
		return Manifest{}, nil, errors.New("empty manifest")
	}
	return m, doc, nil
}

// Spec is what a Kind receives to build one body.
type Spec struct {
	TypeName string
	Settings Settings
	// Module is the guest code compiled by the defining generation, or nil.
	Module *wasm.Module
}

// Kind builds task bodies of one behaviour. Kinds are host-owned and never
// reloaded; manifests select one by name.
type Kind func(spec Spec) (task.Body, error)

// manifestType is a task type defined from archive bytes by one loader
// generation.
type manifestType struct {
	name       string
	generation int
	manifest   Manifest
	doc        any
	kind       Kind
	module     *wasm.Module
}

func (t *manifestType) Name() string { return t.name }

func (t *manifestType) Registration() (task.Registration, error) {
	if err := validateManifest(t.doc); err != nil {
		return task.Registration{}, fmt.Errorf("%s: invalid registration: %w", t.name, err)
	}
	reg := t.manifest.Registration
	return task.Registration{
		Description:  strings.TrimSpace(reg.Description),
		Abbreviation: reg.Abbreviation,
	}, nil
}

func (t *manifestType) New() (task.Body, error) {
	body, err := t.kind(Spec{TypeName: t.name, Settings: t.manifest.Settings, Module: t.module})
	if err != nil {
		return nil, err
	}
	if t.manifest.TimeoutMS > 0 {
		return &timedBody{Body: body, timeout: time.Duration(t.manifest.TimeoutMS) * time.Millisecond}, nil
	}
	return body, nil
}

// timedBody applies the manifest's initial iteration timeout.
type timedBody struct {
	task.Body
	timeout time.Duration
}

func (b *timedBody) Setup(w *task.Worker) error {
	w.SetTimeout(b.timeout)
	return b.Body.Setup(w)
}

// Settings is the free-form settings block of a manifest.
type Settings map[string]any

func (s Settings) String(key, def string) string {
	if v, ok := s[key].(string); ok && v != "" {
		return v
	}
	return def
}

func (s Settings) Strings(key string) []string {
	switch v := s[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok && str != "" {
				out = append(out, str)
			}
		}
		return out
	case []string:
		return append([]string(nil), v...)
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

func (s Settings) Int(key string, def int) int {
	switch v := s[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// Duration reads a millisecond count.
func (s Settings) Duration(key string, def time.Duration) time.Duration {
	if ms := s.Int(key, -1); ms >= 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}
