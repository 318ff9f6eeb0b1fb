// Package archivetest writes task archives for tests.
package archivetest

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
)

// Entry is one file in a test archive.
type Entry struct {
	Name string
	Data []byte
}

// Text builds an entry from a string.
func Text(name, body string) Entry {
	return Entry{Name: name, Data: []byte(body)}
}

// Manifest builds a task manifest entry for typeName with the given kind.
func Manifest(entry, abbrev, description, kind string) Entry {
	return Text(entry, fmt.Sprintf("registration:\n  description: %q\n  abbreviation: %q\nkind: %s\n", description, abbrev, kind))
}

// Write replaces path with a zip holding entries in order. The file is
// written beside path and renamed over it.
func Write(t testing.TB, path string, entries ...Entry) {
	t.Helper()
	tmp, err := os.CreateTemp(filepath.Dir(path), ".archive-*.zip")
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	zw := zip.NewWriter(tmp)
	for _, e := range entries {
		w, err := zw.Create(e.Name)
		if err != nil {
			t.Fatalf("create entry %s: %v", e.Name, err)
		}
		if _, err := w.Write(e.Data); err != nil {
			t.Fatalf("write entry %s: %v", e.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	if err := tmp.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		t.Fatalf("rename archive: %v", err)
	}
}
