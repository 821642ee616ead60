package indexstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/54b3r/aurora-rag/internal/logging"
	"github.com/54b3r/aurora-rag/internal/vectorindex"
)

// Payload keys written on every point.
const (
	payloadPosition    = "position"
	payloadText        = "text"
	payloadFingerprint = "fingerprint"
	payloadModel       = "model"
	payloadCreatedAt   = "created_at"
)

// qdrantBatch bounds the number of points per upsert or get request.
const qdrantBatch = 256

// QdrantConfig holds connection parameters for a Qdrant instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string
	// Port is the Qdrant gRPC port (default: 6334).
	Port int
	// Collection is the alias readers resolve; each generation lives in its
	// own collection named "<Collection>-<id>".
	Collection string
	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string
	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantStore keeps snapshots in Qdrant. Save writes a fresh collection and
// then repoints the alias in a single UpdateAliases call, which Qdrant
// applies atomically; the superseded collection is dropped afterwards.
//
// Qdrant is used here as durable storage only. Searches always run against
// the in-memory index rebuilt from the stored vectors, so results match the
// other stores exactly.
type QdrantStore struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client
	// cfg holds the resolved configuration.
	cfg *QdrantConfig
	// mu serializes Save and Invalidate.
	mu sync.Mutex
}

// NewQdrantStore creates a client for cfg. No collection is created until
// the first Save.
func NewQdrantStore(cfg *QdrantConfig) (*QdrantStore, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		cfg.Collection = "aurora-messages"
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("indexstore: qdrant client: %w", err)
	}
	return &QdrantStore{client: client, cfg: cfg}, nil
}

// Client returns the underlying client, used by the readiness pinger.
func (s *QdrantStore) Client() *qdrant.Client { return s.client }

// activeCollection returns the collection the alias points at, or "" when
// the alias does not exist.
func (s *QdrantStore) activeCollection(ctx context.Context) (string, error) {
	aliases, err := s.client.ListAliases(ctx)
	if err != nil {
		return "", fmt.Errorf("list aliases: %w", err)
	}
	for _, a := range aliases {
		if a.GetAliasName() == s.cfg.Collection {
			return a.GetCollectionName(), nil
		}
	}
	return "", nil
}

// Load implements Store.
func (s *QdrantStore) Load(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := logging.FromContext(ctx).With(slog.String("store", "qdrant"), slog.String("alias", s.cfg.Collection))

	collection, err := s.activeCollection(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		log.Warn("indexstore: resolving alias failed, treating as absent", slog.Any("error", err))
		return nil, nil
	}
	if collection == "" {
		log.Debug("indexstore: no persisted snapshot")
		return nil, nil
	}

	snap, err := s.readCollection(ctx, collection)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		log.Warn("indexstore: persisted snapshot unusable, treating as absent",
			slog.String("collection", collection),
			slog.Any("error", err),
		)
		return nil, nil
	}
	log.Debug("indexstore: loaded snapshot",
		slog.String("collection", collection),
		slog.Int("count", snap.Len()),
		slog.Int("dim", snap.Dim()),
	)
	return snap, nil
}

// readCollection fetches every point of collection by its numeric id.
func (s *QdrantStore) readCollection(ctx context.Context, collection string) (*Snapshot, error) {
	count, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return nil, fmt.Errorf("count: %w", err)
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: collection %s is empty", ErrInconsistent, collection)
	}

	n := int(count)
	snap := &Snapshot{
		Vectors: make([][]float32, n),
		Texts:   make([]string, n),
	}
	seen := make([]bool, n)

	for start := 0; start < n; start += qdrantBatch {
		end := min(start+qdrantBatch, n)
		ids := make([]*qdrant.PointId, 0, end-start)
		for i := start; i < end; i++ {
			ids = append(ids, qdrant.NewIDNum(uint64(i)))
		}
		points, err := s.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: collection,
			Ids:            ids,
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		if err != nil {
			return nil, fmt.Errorf("get points %d-%d: %w", start, end, err)
		}
		for _, p := range points {
			pos := int(p.GetId().GetNum())
			if pos < 0 || pos >= n || seen[pos] {
				return nil, fmt.Errorf("%w: unexpected point id %d", ErrInconsistent, pos)
			}
			payload := p.GetPayload()
			snap.Texts[pos] = payload[payloadText].GetStringValue()
			snap.Vectors[pos] = denseVector(p)
			seen[pos] = true
			if pos == 0 {
				snap.Fingerprint = payload[payloadFingerprint].GetStringValue()
				snap.Model = payload[payloadModel].GetStringValue()
				snap.CreatedAt, _ = time.Parse(time.RFC3339Nano, payload[payloadCreatedAt].GetStringValue())
			}
		}
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("%w: point %d missing", ErrInconsistent, i)
		}
	}

	snap.Index = vectorindex.New()
	if err := snap.Index.Add(snap.Vectors...); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInconsistent, err)
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

// denseVector extracts the single unnamed dense vector of a point.
func denseVector(p *qdrant.RetrievedPoint) []float32 {
	out := p.GetVectors().GetVector()
	if d := out.GetDense(); d != nil {
		return d.GetData()
	}
	return out.GetData()
}

// Save implements Store.
func (s *QdrantStore) Save(ctx context.Context, snap *Snapshot) error {
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("indexstore: save: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous, err := s.activeCollection(ctx)
	if err != nil {
		return fmt.Errorf("indexstore: save: %w", err)
	}

	collection := fmt.Sprintf("%s-%s", s.cfg.Collection, uuid.NewString()[:8])
	if err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(snap.Dim()),
			Distance: qdrant.Distance_Euclid,
		}),
	}); err != nil {
		return fmt.Errorf("indexstore: save: create collection %q: %w", collection, err)
	}

	if err := s.upsertAll(ctx, collection, snap); err != nil {
		s.dropCollection(ctx, collection)
		return fmt.Errorf("indexstore: save: %w", err)
	}

	ops := []*qdrant.AliasOperations{}
	if previous != "" {
		ops = append(ops, qdrant.NewAliasDelete(s.cfg.Collection))
	}
	ops = append(ops, qdrant.NewAliasCreate(s.cfg.Collection, collection))
	if err := s.client.UpdateAliases(ctx, ops); err != nil {
		s.dropCollection(ctx, collection)
		return fmt.Errorf("indexstore: save: swap alias: %w", err)
	}

	logging.FromContext(ctx).Info("indexstore: saved snapshot",
		slog.String("store", "qdrant"),
		slog.String("collection", collection),
		slog.Int("count", snap.Len()),
		slog.Int("dim", snap.Dim()),
	)
	if previous != "" {
		s.dropCollection(ctx, previous)
	}
	return nil
}

// upsertAll writes every snapshot entry as a point whose id is its position.
func (s *QdrantStore) upsertAll(ctx context.Context, collection string, snap *Snapshot) error {
	created := snap.CreatedAt.UTC().Format(time.RFC3339Nano)
	for start := 0; start < snap.Len(); start += qdrantBatch {
		end := min(start+qdrantBatch, snap.Len())
		points := make([]*qdrant.PointStruct, 0, end-start)
		for i := start; i < end; i++ {
			points = append(points, &qdrant.PointStruct{
				Id:      qdrant.NewIDNum(uint64(i)),
				Vectors: qdrant.NewVectors(snap.Vectors[i]...),
				Payload: qdrant.NewValueMap(map[string]any{
					payloadPosition:    i,
					payloadText:        snap.Texts[i],
					payloadFingerprint: snap.Fingerprint,
					payloadModel:       snap.Model,
					payloadCreatedAt:   created,
				}),
			})
		}
		if _, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		}); err != nil {
			return fmt.Errorf("upsert points %d-%d: %w", start, end, err)
		}
	}
	return nil
}

// dropCollection deletes collection, logging rather than returning failures.
func (s *QdrantStore) dropCollection(ctx context.Context, collection string) {
	if err := s.client.DeleteCollection(ctx, collection); err != nil {
		logging.FromContext(ctx).Warn("indexstore: dropping collection failed",
			slog.String("collection", collection),
			slog.Any("error", err),
		)
	}
}

// Invalidate implements Store.
func (s *QdrantStore) Invalidate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	collection, err := s.activeCollection(ctx)
	if err != nil {
		return fmt.Errorf("indexstore: invalidate: %w", err)
	}
	if collection == "" {
		return nil
	}
	if err := s.client.DeleteAlias(ctx, s.cfg.Collection); err != nil {
		return fmt.Errorf("indexstore: invalidate: delete alias: %w", err)
	}
	s.dropCollection(ctx, collection)
	logging.FromContext(ctx).Info("indexstore: snapshot invalidated", slog.String("store", "qdrant"))
	return nil
}

// Close closes the underlying Qdrant gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}
