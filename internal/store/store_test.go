package store

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestLoadMissingFileYieldsEmptyRecord(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "does-not-exist.json"))

	rec, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
	if rec.Paired {
		t.Errorf("Paired = true, want false for missing file")
	}
}

func TestLoadMalformedFileYieldsEmptyRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := writeRaw(path, "{not valid json"); err != nil {
		t.Fatal(err)
	}

	s := New(path)
	rec, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
	if rec.Paired {
		t.Errorf("Paired = true, want false for malformed file")
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := New(path)

	rec := Record{
		Paired:   true,
		PairedAt: 12345,
		Endpoints: map[Role]EndpointRecord{
			RolePrimary: {IP: "10.0.0.1", WorkspaceName: "show_main", WorkspaceID: "abc"},
		},
	}

	if err := s.Save(rec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !got.Paired || got.Endpoints[RolePrimary].IP != "10.0.0.1" {
		t.Errorf("Load() = %+v, want round-tripped record", got)
	}
}

func TestSaveRejectsPairedWithoutPrimary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := New(path)

	err := s.Save(Record{Paired: true})
	if err == nil {
		t.Fatal("Save() error = nil, want invariant violation error")
	}
}

func TestLoadUsesCacheWhenMtimeUnchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := New(path)

	rec := Record{Paired: true, Endpoints: map[Role]EndpointRecord{RolePrimary: {IP: "10.0.0.5"}}}
	if err := s.Save(rec); err != nil {
		t.Fatal(err)
	}

	first, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	// Mutate the file behind the Store's back, then restore its mtime:
	// the cache should still report the originally-loaded value until a
	// Save or a genuine mtime change occurs.
	if err := writeRaw(path, `{"paired":true,"endpoints":{"main":{"ip":"10.0.0.99"}}}`); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, info.ModTime(), info.ModTime()); err != nil {
		t.Fatal(err)
	}

	second, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if first.Endpoints[RolePrimary].IP != second.Endpoints[RolePrimary].IP {
		t.Errorf("cached load diverged: %+v vs %+v", first, second)
	}
}

func TestConcurrentSaveNeverObservesTruncatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := New(path)

	base := Record{Paired: true, Endpoints: map[Role]EndpointRecord{RolePrimary: {IP: "10.0.0.1"}}}
	if err := s.Save(base); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			rec := base
			rec.PairedAt = float64(n)
			_ = s.Save(rec)
		}(i)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			rec, err := s.Load()
			if err != nil {
				t.Errorf("Load() error = %v", err)
				return
			}
			if !rec.Paired {
				t.Errorf("Load() observed a non-paired (possibly truncated) record mid-write")
				return
			}
		}
	}()

	wg.Wait()
	<-done
}

func writeRaw(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
