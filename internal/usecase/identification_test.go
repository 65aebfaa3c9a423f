package usecase

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/herdsure/muzzleid/internal/geo"
	"github.com/herdsure/muzzleid/internal/matching"
	"github.com/herdsure/muzzleid/internal/muzzle"
	"github.com/herdsure/muzzleid/internal/registry"
	"github.com/herdsure/muzzleid/internal/repository"
)

type stubEmbedder struct {
	dimension int
	vectors   [][]float32
	calls     int
	embedErr  error
	readyErr  error
}

func (s *stubEmbedder) Embed(ctx context.Context, tensor *muzzle.Tensor) ([]float32, error) {
	s.calls++
	if s.embedErr != nil {
		return nil, s.embedErr
	}
	v := s.vectors[(s.calls-1)%len(s.vectors)]
	return append([]float32(nil), v...), nil
}

func (s *stubEmbedder) Dimension() int { return s.dimension }

func (s *stubEmbedder) Ready(ctx context.Context) error { return s.readyErr }

type stubStore struct {
	records       []*repository.CattleRecord
	logs          []*repository.IdentificationLog
	saveRecordErr error
	agg           *repository.StatsAggregation
}

func (s *stubStore) SaveRecord(ctx context.Context, record *repository.CattleRecord) error {
	if s.saveRecordErr != nil {
		return s.saveRecordErr
	}
	s.records = append(s.records, record)
	return nil
}

func (s *stubStore) ListRecords(ctx context.Context) ([]*repository.CattleRecord, error) {
	return s.records, nil
}

func (s *stubStore) SaveIdentification(ctx context.Context, entry *repository.IdentificationLog) error {
	s.logs = append(s.logs, entry)
	return nil
}

func (s *stubStore) FindIdentification(ctx context.Context, requestID string) (*repository.IdentificationLog, error) {
	for _, entry := range s.logs {
		if entry.RequestID == requestID {
			return entry, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *stubStore) RecentIdentifications(ctx context.Context, limit int) ([]*repository.IdentificationLog, error) {
	if limit > len(s.logs) {
		limit = len(s.logs)
	}
	out := make([]*repository.IdentificationLog, 0, limit)
	for i := len(s.logs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.logs[i])
	}
	return out, nil
}

func (s *stubStore) AggregateStats(ctx context.Context) (*repository.StatsAggregation, error) {
	if s.agg != nil {
		return s.agg, nil
	}
	return &repository.StatsAggregation{}, nil
}

type stubCache struct {
	data map[string]string
	sets int
	gets int
}

func newStubCache() *stubCache {
	return &stubCache{data: map[string]string{}}
}

func (c *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	c.sets++
	switch v := value.(type) {
	case []byte:
		c.data[key] = string(v)
	case string:
		c.data[key] = v
	default:
		return errors.New("unsupported cache value type")
	}
	return nil
}

func (c *stubCache) Get(ctx context.Context, key string) (string, error) {
	c.gets++
	value, ok := c.data[key]
	if !ok {
		return "", redis.Nil
	}
	return value, nil
}

func testSettings() Settings {
	return Settings{
		Thresholds: geo.Thresholds{
			Review:         0.75,
			HighConfidence: 0.85,
			MaxDistanceKm:  5,
		},
		VerifyThreshold:   0.85,
		EmbeddingCacheTTL: time.Minute,
		ResultCacheTTL:    time.Minute,
	}
}

func testImage(t *testing.T, seed uint8) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for i := range img.Pix {
		img.Pix[i] = seed + uint8(i%13)*5
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

func TestRegisterCattleStoresRecord(t *testing.T) {
	emb := &stubEmbedder{dimension: 4, vectors: [][]float32{{2, 0, 0, 0}}}
	store := &stubStore{}
	uc := NewIdentificationUseCase(registry.New(), emb, nil, store, testSettings(), zap.NewNop())

	result, err := uc.RegisterCattle(context.Background(), "  Bessie  ", testImage(t, 1), 19.0760, 72.8777)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if result.Name != "Bessie" {
		t.Fatalf("expected trimmed name Bessie, got %q", result.Name)
	}
	if result.Dimensions != 4 {
		t.Fatalf("expected 4 dimensions, got %d", result.Dimensions)
	}
	if uc.registry.Size() != 1 {
		t.Fatalf("expected registry size 1, got %d", uc.registry.Size())
	}
	if len(store.records) != 1 {
		t.Fatalf("expected 1 persisted record, got %d", len(store.records))
	}

	vector, err := registry.DecodeVector(store.records[0].Embedding)
	if err != nil {
		t.Fatalf("persisted embedding does not decode: %v", err)
	}
	// The stored vector must be L2-normalized, not the raw model output.
	if vector[0] != 1 {
		t.Fatalf("expected normalized vector, got %v", vector)
	}
}

func TestRegisterCattleStoreFailureLeavesRegistryEmpty(t *testing.T) {
	emb := &stubEmbedder{dimension: 4, vectors: [][]float32{{1, 0, 0, 0}}}
	store := &stubStore{saveRecordErr: errors.New("disk full")}
	uc := NewIdentificationUseCase(registry.New(), emb, nil, store, testSettings(), zap.NewNop())

	if _, err := uc.RegisterCattle(context.Background(), "Bessie", testImage(t, 1), 0, 0); err == nil {
		t.Fatal("expected error when persistence fails")
	}
	if uc.registry.Size() != 0 {
		t.Fatalf("failed registration must not appear in the registry, size=%d", uc.registry.Size())
	}
}

func TestIdentifyEmptyRegistry(t *testing.T) {
	emb := &stubEmbedder{dimension: 4, vectors: [][]float32{{1, 0, 0, 0}}}
	uc := NewIdentificationUseCase(registry.New(), emb, nil, nil, testSettings(), zap.NewNop())

	result, err := uc.Identify(context.Background(), testImage(t, 1), 19.0760, 72.8777)
	if err != nil {
		t.Fatalf("identify on empty registry must not fail: %v", err)
	}
	if result.Status != geo.StatusRejected {
		t.Fatalf("expected REJECTED, got %s", result.Status)
	}
	if result.Scored || result.Matched {
		t.Fatal("empty registry result must not be scored or matched")
	}
	if result.Message != "no cattle registered" {
		t.Fatalf("unexpected message %q", result.Message)
	}
}

func TestIdentifyApprovedNearby(t *testing.T) {
	emb := &stubEmbedder{dimension: 4, vectors: [][]float32{{1, 0, 0, 0}}}
	store := &stubStore{}
	uc := NewIdentificationUseCase(registry.New(), emb, nil, store, testSettings(), zap.NewNop())

	registered, err := uc.RegisterCattle(context.Background(), "Bessie", testImage(t, 1), 19.0760, 72.8777)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	result, err := uc.Identify(context.Background(), testImage(t, 2), 19.0800, 72.8800)
	if err != nil {
		t.Fatalf("identify failed: %v", err)
	}
	if result.Status != geo.StatusApproved {
		t.Fatalf("expected APPROVED, got %s", result.Status)
	}
	if !result.Matched || result.CattleID != registered.CattleID || result.Name != "Bessie" {
		t.Fatalf("expected match against %s, got %+v", registered.CattleID, result)
	}
	if result.Similarity < 0.999 {
		t.Fatalf("expected similarity ~1.0, got %f", result.Similarity)
	}
	if result.DistanceKm >= 5 {
		t.Fatalf("expected nearby distance, got %f km", result.DistanceKm)
	}
	if len(store.logs) != 1 || store.logs[0].Status != string(geo.StatusApproved) {
		t.Fatalf("expected one APPROVED audit entry, got %+v", store.logs)
	}
}

func TestIdentifyLocationMismatchFarAway(t *testing.T) {
	emb := &stubEmbedder{dimension: 4, vectors: [][]float32{{1, 0, 0, 0}}}
	uc := NewIdentificationUseCase(registry.New(), emb, nil, nil, testSettings(), zap.NewNop())

	if _, err := uc.RegisterCattle(context.Background(), "Bessie", testImage(t, 1), 19.0760, 72.8777); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	// Pune is roughly 120 km from the registration point in Mumbai.
	result, err := uc.Identify(context.Background(), testImage(t, 2), 18.5204, 73.8567)
	if err != nil {
		t.Fatalf("identify failed: %v", err)
	}
	if result.Status != geo.StatusLocationMismatch {
		t.Fatalf("expected LOCATION_MISMATCH, got %s", result.Status)
	}
	if result.DistanceKm <= 100 {
		t.Fatalf("expected distance above 100 km, got %f", result.DistanceKm)
	}
}

func TestIdentifyManualReviewBandIgnoresDistance(t *testing.T) {
	emb := &stubEmbedder{dimension: 4, vectors: [][]float32{
		{1, 0, 0, 0},
		{0.8, 0.6, 0, 0}, // cosine 0.8 against the registered vector
	}}
	uc := NewIdentificationUseCase(registry.New(), emb, nil, nil, testSettings(), zap.NewNop())

	if _, err := uc.RegisterCattle(context.Background(), "Bessie", testImage(t, 1), 19.0760, 72.8777); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	result, err := uc.Identify(context.Background(), testImage(t, 2), 18.5204, 73.8567)
	if err != nil {
		t.Fatalf("identify failed: %v", err)
	}
	if result.Status != geo.StatusManualReview {
		t.Fatalf("expected MANUAL_REVIEW regardless of distance, got %s", result.Status)
	}
}

func TestVerifyPairwise(t *testing.T) {
	emb := &stubEmbedder{dimension: 4, vectors: [][]float32{
		{1, 0, 0, 0},
		{0.8, 0.6, 0, 0},
	}}
	uc := NewIdentificationUseCase(registry.New(), emb, nil, nil, testSettings(), zap.NewNop())

	result, err := uc.Verify(context.Background(), testImage(t, 1), testImage(t, 2))
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if result.Match {
		t.Fatalf("cosine 0.8 must not match threshold 0.85, got %+v", result)
	}
	if result.Threshold != 0.85 {
		t.Fatalf("expected threshold 0.85, got %f", result.Threshold)
	}
	if result.Similarity < 0.79 || result.Similarity > 0.81 {
		t.Fatalf("expected similarity ~0.8, got %f", result.Similarity)
	}
	if uc.registry.Size() != 0 {
		t.Fatal("verify must not touch the registry")
	}
}

func TestEmbeddingCacheSkipsModelServer(t *testing.T) {
	emb := &stubEmbedder{dimension: 4, vectors: [][]float32{{1, 0, 0, 0}}}
	uc := NewIdentificationUseCase(registry.New(), emb, newStubCache(), nil, testSettings(), zap.NewNop())
	uc.initialBackoff = time.Millisecond

	imageBytes := testImage(t, 1)
	result, err := uc.Verify(context.Background(), imageBytes, imageBytes)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !result.Match || result.Similarity < 0.999 {
		t.Fatalf("identical bytes must match with similarity 1.0, got %+v", result)
	}
	if emb.calls != 1 {
		t.Fatalf("expected the second embedding to come from the cache, model called %d times", emb.calls)
	}
}

func TestGetResultFromAuditLog(t *testing.T) {
	emb := &stubEmbedder{dimension: 4, vectors: [][]float32{{1, 0, 0, 0}}}
	store := &stubStore{}
	uc := NewIdentificationUseCase(registry.New(), emb, nil, store, testSettings(), zap.NewNop())

	if _, err := uc.RegisterCattle(context.Background(), "Bessie", testImage(t, 1), 19.0760, 72.8777); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	identified, err := uc.Identify(context.Background(), testImage(t, 2), 19.0760, 72.8777)
	if err != nil {
		t.Fatalf("identify failed: %v", err)
	}

	fetched, err := uc.GetResult(context.Background(), identified.RequestID)
	if err != nil {
		t.Fatalf("get result failed: %v", err)
	}
	if fetched.Status != identified.Status || fetched.Name != identified.Name {
		t.Fatalf("stored result %+v does not match original %+v", fetched, identified)
	}

	if _, err := uc.GetResult(context.Background(), "no-such-request"); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected ErrResultNotFound, got %v", err)
	}
}

func TestLoadRegistryWarmLoadsInOrder(t *testing.T) {
	emb := &stubEmbedder{dimension: 4}
	store := &stubStore{records: []*repository.CattleRecord{
		{ID: "first", Name: "Bessie", Embedding: registry.EncodeVector([]float32{1, 0, 0, 0})},
		{ID: "second", Name: "Clover", Embedding: registry.EncodeVector([]float32{1, 0, 0, 0})},
	}}
	uc := NewIdentificationUseCase(registry.New(), emb, nil, store, testSettings(), zap.NewNop())

	loaded, err := uc.LoadRegistry(context.Background())
	if err != nil {
		t.Fatalf("warm load failed: %v", err)
	}
	if loaded != 2 {
		t.Fatalf("expected 2 loaded records, got %d", loaded)
	}

	// Both records tie at similarity 1.0; the earliest-registered one wins.
	best, found, err := uc.registry.FindBestMatch([]float32{1, 0, 0, 0})
	if err != nil || !found {
		t.Fatalf("expected a match, found=%v err=%v", found, err)
	}
	if best.ID != "first" {
		t.Fatalf("tie must resolve to the earliest record, got %s", best.ID)
	}
}

func TestLoadRegistryRejectsStaleDimensions(t *testing.T) {
	emb := &stubEmbedder{dimension: 4}
	store := &stubStore{records: []*repository.CattleRecord{
		{ID: "stale", Name: "Bessie", Embedding: registry.EncodeVector([]float32{1, 0})},
	}}
	uc := NewIdentificationUseCase(registry.New(), emb, nil, store, testSettings(), zap.NewNop())

	_, err := uc.LoadRegistry(context.Background())
	var dimErr *matching.ErrDimensionMismatch
	if !errors.As(err, &dimErr) {
		t.Fatalf("expected dimension mismatch, got %v", err)
	}
}

func TestStatsRequireStore(t *testing.T) {
	emb := &stubEmbedder{dimension: 4}
	uc := NewIdentificationUseCase(registry.New(), emb, nil, nil, testSettings(), zap.NewNop())

	if _, err := uc.Stats(context.Background()); !errors.Is(err, ErrStatsUnavailable) {
		t.Fatalf("expected ErrStatsUnavailable, got %v", err)
	}
	if _, err := uc.RecentActivity(context.Background(), 10); !errors.Is(err, ErrStatsUnavailable) {
		t.Fatalf("expected ErrStatsUnavailable, got %v", err)
	}
}

func TestStatsSummarizesAuditLog(t *testing.T) {
	emb := &stubEmbedder{dimension: 4}
	store := &stubStore{agg: &repository.StatsAggregation{
		TotalCount:        10,
		ApprovedCount:     6,
		ReviewCount:       2,
		RejectedCount:     2,
		AverageSimilarity: 0.81,
	}}
	uc := NewIdentificationUseCase(registry.New(), emb, nil, store, testSettings(), zap.NewNop())

	summary, err := uc.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if summary.TotalIdentifications != 10 || summary.Approved != 6 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.ApprovalRate != 0.6 {
		t.Fatalf("expected approval rate 0.6, got %f", summary.ApprovalRate)
	}
}

func TestHealthReportsDependencies(t *testing.T) {
	emb := &stubEmbedder{dimension: 4, readyErr: errors.New("model unavailable")}
	uc := NewIdentificationUseCase(registry.New(), emb, newStubCache(), nil, testSettings(), zap.NewNop())

	health := uc.Health(context.Background())
	if health.ModelLoaded {
		t.Fatal("expected model_loaded=false when the readiness probe fails")
	}
	if !health.CacheEnabled || health.PersistenceEnabled {
		t.Fatalf("unexpected dependency flags %+v", health)
	}
}
