package archive

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriterPreservesEntryOrder(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.zip")
	w, err := NewWriter(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.AppendBytes(ConfigEntry, []byte(`{"name":"web"}`)); err != nil {
		t.Fatal(err)
	}
	if err := w.AppendBytes(DumpEntry, []byte("SELECT 1;")); err != nil {
		t.Fatal(err)
	}
	if _, err := w.AppendStream("var_lib_data.tar", strings.NewReader("tardata")); err != nil {
		t.Fatal(err)
	}
	size, err := w.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	if size <= 0 {
		t.Fatalf("size = %d, want > 0", size)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	var names []string
	for _, f := range r.Files() {
		names = append(names, f.Name)
	}
	want := []string{ConfigEntry, DumpEntry, "var_lib_data.tar"}
	if len(names) != len(want) {
		t.Fatalf("entries = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("entry[%d] = %q, want %q", i, names[i], want[i])
		}
	}
	if names[0] != ConfigEntry {
		t.Errorf("first entry = %q, want %q", names[0], ConfigEntry)
	}
}

func TestWriterDeadline(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.zip")
	w, err := NewWriter(path, time.Nanosecond)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Abort()

	time.Sleep(10 * time.Millisecond)
	err = w.AppendBytes("late.txt", []byte("x"))
	if !errors.Is(err, ErrDeadline) {
		t.Fatalf("err = %v, want ErrDeadline", err)
	}
}

func TestWriterFinalizeDeadline(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.zip")
	w, err := NewWriter(path, time.Nanosecond)
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(10 * time.Millisecond)
	if _, err := w.Finalize(); !errors.Is(err, ErrDeadline) {
		t.Fatalf("err = %v, want ErrDeadline", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("artifact survived a late finalize: %v", err)
	}
}

func TestWriterAbortRemovesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.zip")
	w, err := NewWriter(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.AppendBytes("a.txt", []byte("x")); err != nil {
		t.Fatal(err)
	}
	w.Abort()

	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("artifact still exists after Abort: %v", err)
	}
}

func TestReaderReadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.zip")
	w, err := NewWriter(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.AppendBytes(ComposeEntry, []byte("services: {}")); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Finalize(); err != nil {
		t.Fatal(err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	data, err := r.ReadFile(ComposeEntry)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "services: {}" {
		t.Errorf("content = %q", data)
	}

	if _, err := r.ReadFile("missing.txt"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing entry err = %v, want os.ErrNotExist", err)
	}
	if r.Entry("missing.txt") != nil {
		t.Error("Entry returned non-nil for missing name")
	}
}
