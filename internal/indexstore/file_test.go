package indexstore

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestFileStore_Contract(t *testing.T) {
	t.Parallel()
	exerciseStore(t, NewFileStore(filepath.Join(t.TempDir(), "cache")))
}

// activeGeneration returns the directory CURRENT points at.
func activeGeneration(t *testing.T, s *FileStore) string {
	t.Helper()
	gen, err := s.current()
	if err != nil {
		t.Fatalf("read CURRENT: %v", err)
	}
	return filepath.Join(s.Dir(), gen)
}

func TestFileStore_LayoutAndPrune(t *testing.T) {
	t.Parallel()
	ctx := quietContext()
	s := NewFileStore(t.TempDir())

	for i := range 4 {
		if err := s.Save(ctx, testSnapshot(t, i+1, "fp")); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	dir := activeGeneration(t, s)
	for _, name := range []string{EmbeddingsFile, IndexFile, TextsFile, ManifestFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("artifact %s: %v", name, err)
		}
	}

	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	gens := 0
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), generationPrefix) {
			gens++
		}
	}
	if gens > 2 {
		t.Errorf("expected at most 2 generations after prune, found %d", gens)
	}
}

func TestFileStore_DamagedArtifactsTreatedAsAbsent(t *testing.T) {
	t.Parallel()

	damage := map[string]func(t *testing.T, dir string){
		"missing embeddings": func(t *testing.T, dir string) {
			mustRemove(t, filepath.Join(dir, EmbeddingsFile))
		},
		"missing index": func(t *testing.T, dir string) {
			mustRemove(t, filepath.Join(dir, IndexFile))
		},
		"missing texts": func(t *testing.T, dir string) {
			mustRemove(t, filepath.Join(dir, TextsFile))
		},
		"truncated index": func(t *testing.T, dir string) {
			p := filepath.Join(dir, IndexFile)
			data, err := os.ReadFile(p)
			if err != nil {
				t.Fatal(err)
			}
			mustWrite(t, p, data[:len(data)-3])
		},
		"edited texts": func(t *testing.T, dir string) {
			mustWrite(t, filepath.Join(dir, TextsFile), []byte(`["only one"]`))
		},
		"garbage manifest": func(t *testing.T, dir string) {
			mustWrite(t, filepath.Join(dir, ManifestFile), []byte(`{`))
		},
		"dangling CURRENT": func(t *testing.T, dir string) {
			mustWrite(t, filepath.Join(filepath.Dir(dir), currentFile), []byte("gen-missing\n"))
		},
		"escaping CURRENT": func(t *testing.T, dir string) {
			mustWrite(t, filepath.Join(filepath.Dir(dir), currentFile), []byte("gen-../../etc\n"))
		},
	}

	for name, fn := range damage {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := quietContext()
			s := NewFileStore(t.TempDir())
			if err := s.Save(ctx, testSnapshot(t, 4, "fp")); err != nil {
				t.Fatalf("save: %v", err)
			}
			fn(t, activeGeneration(t, s))

			got, err := s.Load(ctx)
			if err != nil {
				t.Fatalf("load must not fail hard, got %v", err)
			}
			if got != nil {
				t.Errorf("expected absent, got %d entries", got.Len())
			}
		})
	}
}

func TestFileStore_ConcurrentLoadDuringSave(t *testing.T) {
	t.Parallel()
	ctx := quietContext()
	s := NewFileStore(t.TempDir())
	if err := s.Save(ctx, testSnapshot(t, 3, "old")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 4 {
		wg.Go(func() {
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap, err := s.Load(ctx)
				if err != nil {
					t.Errorf("load: %v", err)
					return
				}
				// Either generation is fine; a mix of the two never is.
				if snap != nil && !(snap.Fingerprint == "old" && snap.Len() == 3) &&
					!(snap.Fingerprint == "new" && snap.Len() == 6) {
					t.Errorf("torn snapshot: fingerprint=%s len=%d", snap.Fingerprint, snap.Len())
					return
				}
			}
		})
	}

	for range 5 {
		if err := s.Save(ctx, testSnapshot(t, 6, "new")); err != nil {
			t.Errorf("save: %v", err)
		}
	}
	close(stop)
	wg.Wait()
}

func mustRemove(t *testing.T, path string) {
	t.Helper()
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove %s: %v", path, err)
	}
}

func mustWrite(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
