package physmem

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/orizon-lang/vmcore/internal/errors"
)

func TestParseMemoryMap(t *testing.T) {
	data := []byte(`{
		"version": "1.2.0",
		"entries": [
			{"base": 1048576, "length": 65536, "type": "usable"},
			{"base": 0, "length": 4096, "type": "reserved"},
			{"base": 1114112, "length": 8192, "type": "acpi"}
		]
	}`)
	m, err := ParseMemoryMap(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	spans := m.spans()
	if len(spans) != 3 {
		t.Fatalf("spans = %+v", spans)
	}
	if spans[0].base != 0 || !spans[0].reserved {
		t.Fatalf("first span = %+v", spans[0])
	}
	if spans[1].base != 256 || spans[1].count != 16 || spans[1].reserved {
		t.Fatalf("usable span = %+v", spans[1])
	}
}

func TestParseMemoryMap_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		code string
	}{
		{"future version", `{"version":"2.0.0","entries":[{"base":0,"length":4096,"type":"usable"}]}`, errors.CodeUnsupportedVersion},
		{"overlap", `{"version":"1.0.0","entries":[{"base":0,"length":8192,"type":"usable"},{"base":4096,"length":4096,"type":"reserved"}]}`, errors.CodeInvalidArgument},
		{"empty entry", `{"version":"1.0.0","entries":[{"base":0,"length":0,"type":"usable"}]}`, errors.CodeInvalidSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMemoryMap([]byte(tt.data))
			var se *errors.StandardError
			if !stderrors.As(err, &se) || se.Code != tt.code {
				t.Fatalf("err = %v, want code %s", err, tt.code)
			}
		})
	}
	if _, err := ParseMemoryMap([]byte(`{"version":"not-a-version"}`)); err == nil {
		t.Fatalf("bad version accepted")
	}
}

func TestSpans_TrimUnalignedUsable(t *testing.T) {
	m := &MemoryMap{Version: "1.0.0", Entries: []MemoryMapEntry{
		{Base: 100, Length: 3 * PageSize, Type: MemoryTypeRAM},
		{Base: 10 * PageSize, Length: PageSize, Type: MemoryTypeUnusable},
	}}
	spans := m.spans()
	if len(spans) != 1 || spans[0].base != 1 || spans[0].count != 2 {
		t.Fatalf("spans = %+v", spans)
	}
}

func TestLoadMemoryMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memmap.json")
	if err := os.WriteFile(path, []byte(`{"version":"1.0.0","entries":[{"base":1048576,"length":16384,"type":"usable"}]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := LoadMemoryMap(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	a, err := NewAllocator(m, nil)
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	defer a.Close()
	if a.Stats().Total != 4 {
		t.Fatalf("total = %d, want 4", a.Stats().Total)
	}
}
