package archive

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"testing/iotest"
)

type stalledReader struct{}

func (stalledReader) Read([]byte) (int, error) { return 0, nil }

func TestReadAll(t *testing.T) {
	payload := func(n int) []byte { return bytes.Repeat([]byte("x"), n) }

	tests := []struct {
		name    string
		r       io.Reader
		want    int
		wantErr error
	}{
		{"empty", bytes.NewReader(nil), 0, nil},
		{"fits initial buffer", bytes.NewReader(payload(10)), 10, nil},
		{"needs growth", bytes.NewReader(payload(10000)), 10000, nil},
		{"one byte at a time", iotest.OneByteReader(bytes.NewReader(payload(5000))), 5000, nil},
		{"exactly at cap", bytes.NewReader(payload(16 << 10)), 16 << 10, nil},
		{"past cap", bytes.NewReader(payload(16<<10 + 1)), 0, ErrTooMuchData},
		{"reader error", iotest.ErrReader(io.ErrUnexpectedEOF), 0, io.ErrUnexpectedEOF},
		{"no progress", stalledReader{}, 0, io.ErrNoProgress},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := readAll(tc.r, 16, 10)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("readAll: %v", err)
			}
			if len(got) != tc.want {
				t.Fatalf("len = %d, want %d", len(got), tc.want)
			}
		})
	}
}

func TestTypeNameFromEntry(t *testing.T) {
	tests := []struct {
		entry string
		want  string
		ok    bool
	}{
		{"tasks/guard_task.yaml", "tasks.guard_task", true},
		{"tasks/sub/repeat_task.yaml", "tasks.sub.repeat_task", true},
		{"core/heartbeat_task.yaml", "core.heartbeat_task", true},
		{"tasks/", "", false},
		{"tasks/pulse.wasm", "", false},
		{"tasks/odd.name.yaml", "", false},
		{"tasks//x.yaml", "", false},
		{".yaml", "", false},
	}
	for _, tc := range tests {
		got, ok := TypeNameFromEntry(tc.entry)
		if got != tc.want || ok != tc.ok {
			t.Errorf("TypeNameFromEntry(%q) = %q, %v; want %q, %v", tc.entry, got, ok, tc.want, tc.ok)
		}
	}
	if got := EntryNameFromType("tasks.sub.repeat_task"); got != "tasks/sub/repeat_task.yaml" {
		t.Fatalf("EntryNameFromType = %q", got)
	}
}
