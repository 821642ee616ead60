package indexstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/54b3r/aurora-rag/internal/logging"
	"github.com/54b3r/aurora-rag/internal/vectorindex"
)

// Artifact file names inside a generation directory.
const (
	EmbeddingsFile = "embeddings.bin"
	IndexFile      = "index.bin"
	TextsFile      = "texts.json"
	ManifestFile   = "manifest.json"

	currentFile      = "CURRENT"
	generationPrefix = "gen-"
	manifestVersion  = 1
)

// manifest describes a generation directory. Checksums let Load detect a
// torn or edited artifact without decoding it first.
type manifest struct {
	Version     int               `json:"version"`
	Fingerprint string            `json:"fingerprint"`
	Model       string            `json:"model"`
	Count       int               `json:"count"`
	Dim         int               `json:"dim"`
	CreatedAt   time.Time         `json:"created_at"`
	Checksums   map[string]string `json:"checksums"`
}

// FileStore keeps snapshots on the local filesystem. Each Save writes a new
// generation directory and then atomically repoints the CURRENT file at it,
// so a concurrent Load sees either the old or the new generation in full.
type FileStore struct {
	// dir is the cache root.
	dir string
	// keep is how many generations survive a prune, including the active one.
	keep int
	// mu serializes Save and Invalidate.
	mu sync.Mutex
}

// NewFileStore returns a FileStore rooted at dir. The directory is created
// lazily on the first Save.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir, keep: 2}
}

// Dir returns the cache root.
func (s *FileStore) Dir() string { return s.dir }

// Load implements Store.
func (s *FileStore) Load(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := logging.FromContext(ctx).With(slog.String("store", "file"), slog.String("dir", s.dir))

	gen, err := s.current()
	if errors.Is(err, fs.ErrNotExist) {
		log.Debug("indexstore: no persisted snapshot")
		return nil, nil
	}
	if err != nil {
		log.Warn("indexstore: reading CURRENT failed", slog.Any("error", err))
		return nil, nil
	}

	snap, err := readGeneration(filepath.Join(s.dir, gen))
	if err != nil {
		log.Warn("indexstore: persisted snapshot unusable, treating as absent",
			slog.String("generation", gen),
			slog.Any("error", err),
		)
		return nil, nil
	}
	log.Debug("indexstore: loaded snapshot",
		slog.String("generation", gen),
		slog.Int("count", snap.Len()),
		slog.Int("dim", snap.Dim()),
	)
	return snap, nil
}

// current returns the generation directory name CURRENT points at.
func (s *FileStore) current() (string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, currentFile))
	if err != nil {
		return "", err
	}
	gen := strings.TrimSpace(string(data))
	if !strings.HasPrefix(gen, generationPrefix) || strings.ContainsAny(gen, `/\`) {
		return "", fmt.Errorf("invalid generation name %q", gen)
	}
	return gen, nil
}

// readGeneration decodes and cross-checks every artifact in dir.
func readGeneration(dir string) (*Snapshot, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %d", m.Version)
	}

	read := func(name string) ([]byte, error) {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if want := m.Checksums[name]; want != checksum(data) {
			return nil, fmt.Errorf("%s: checksum mismatch", name)
		}
		return data, nil
	}

	embData, err := read(EmbeddingsFile)
	if err != nil {
		return nil, err
	}
	vectors, err := vectorindex.DecodeVectors(embData)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", EmbeddingsFile, err)
	}

	idxData, err := read(IndexFile)
	if err != nil {
		return nil, err
	}
	idx := vectorindex.New()
	if err := idx.UnmarshalBinary(idxData); err != nil {
		return nil, fmt.Errorf("%s: %w", IndexFile, err)
	}

	textData, err := read(TextsFile)
	if err != nil {
		return nil, err
	}
	var texts []string
	if err := json.Unmarshal(textData, &texts); err != nil {
		return nil, fmt.Errorf("%s: %w", TextsFile, err)
	}

	snap := &Snapshot{
		Vectors:     vectors,
		Index:       idx,
		Texts:       texts,
		Fingerprint: m.Fingerprint,
		Model:       m.Model,
		CreatedAt:   m.CreatedAt,
	}
	if err := snap.validateAgainstIndex(); err != nil {
		return nil, err
	}
	if snap.Len() != m.Count || snap.Dim() != m.Dim {
		return nil, fmt.Errorf("%w: manifest declares %dx%d, artifacts hold %dx%d",
			ErrInconsistent, m.Count, m.Dim, snap.Len(), snap.Dim())
	}
	return snap, nil
}

// Save implements Store.
func (s *FileStore) Save(ctx context.Context, snap *Snapshot) error {
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("indexstore: save: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("indexstore: creating %s: %w", s.dir, err)
	}

	gen := generationPrefix + uuid.NewString()
	genDir := filepath.Join(s.dir, gen)
	if err := os.Mkdir(genDir, 0o755); err != nil {
		return fmt.Errorf("indexstore: creating generation: %w", err)
	}
	if err := writeGeneration(genDir, snap); err != nil {
		_ = os.RemoveAll(genDir)
		return fmt.Errorf("indexstore: writing generation: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, currentFile), []byte(gen+"\n")); err != nil {
		_ = os.RemoveAll(genDir)
		return fmt.Errorf("indexstore: publishing generation: %w", err)
	}

	logging.FromContext(ctx).Info("indexstore: saved snapshot",
		slog.String("store", "file"),
		slog.String("generation", gen),
		slog.Int("count", snap.Len()),
		slog.Int("dim", snap.Dim()),
	)
	s.prune(ctx, gen)
	return nil
}

// writeGeneration writes all artifacts plus the manifest into dir.
func writeGeneration(dir string, snap *Snapshot) error {
	embData, err := vectorindex.EncodeVectors(snap.Vectors)
	if err != nil {
		return err
	}
	idxData, err := snap.Index.MarshalBinary()
	if err != nil {
		return err
	}
	textData, err := json.Marshal(snap.Texts)
	if err != nil {
		return err
	}

	artifacts := map[string][]byte{
		EmbeddingsFile: embData,
		IndexFile:      idxData,
		TextsFile:      textData,
	}
	m := manifest{
		Version:     manifestVersion,
		Fingerprint: snap.Fingerprint,
		Model:       snap.Model,
		Count:       snap.Len(),
		Dim:         snap.Dim(),
		CreatedAt:   snap.CreatedAt,
		Checksums:   make(map[string]string, len(artifacts)),
	}
	for name, data := range artifacts {
		if err := writeFileSync(filepath.Join(dir, name), data); err != nil {
			return err
		}
		m.Checksums[name] = checksum(data)
	}

	manData, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileSync(filepath.Join(dir, ManifestFile), manData); err != nil {
		return err
	}
	return syncDir(dir)
}

// Invalidate implements Store. It removes the CURRENT pointer first so a
// concurrent Load observes absence, then deletes every generation.
func (s *FileStore) Invalidate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(filepath.Join(s.dir, currentFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("indexstore: invalidate: %w", err)
	}
	s.prune(ctx, "")
	logging.FromContext(ctx).Info("indexstore: snapshot invalidated", slog.String("store", "file"))
	return nil
}

// prune removes stale generation directories, keeping active plus the most
// recent others up to s.keep. Failures are logged; a leftover directory is
// harmless because only CURRENT decides what Load reads.
func (s *FileStore) prune(ctx context.Context, active string) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}

	type gen struct {
		name string
		mod  time.Time
	}
	var others []gen
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), generationPrefix) || e.Name() == active {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		others = append(others, gen{name: e.Name(), mod: info.ModTime()})
	}

	keepOthers := 0
	if active != "" {
		keepOthers = s.keep - 1
	}
	slices.SortFunc(others, func(a, b gen) int { return b.mod.Compare(a.mod) })
	for i, g := range others {
		if i < keepOthers {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.dir, g.name)); err != nil {
			logging.FromContext(ctx).Warn("indexstore: pruning generation failed",
				slog.String("generation", g.name),
				slog.Any("error", err),
			)
		}
	}
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }

// writeFileAtomic writes data to a temp file next to path and renames it
// into place.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := writeFileSync(tmp, data); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return syncDir(filepath.Dir(path))
}

// writeFileSync writes data and fsyncs the file before closing it.
func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// syncDir fsyncs a directory so a rename inside it is durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
