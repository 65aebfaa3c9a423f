// Package usecase orchestrates the identification pipeline: image
// preprocessing, feature extraction, registry matching, geo-gating and the
// audit trail around them.
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/herdsure/muzzleid/internal/embedder"
	"github.com/herdsure/muzzleid/internal/geo"
	"github.com/herdsure/muzzleid/internal/logging"
	"github.com/herdsure/muzzleid/internal/matching"
	"github.com/herdsure/muzzleid/internal/metrics"
	"github.com/herdsure/muzzleid/internal/registry"
	"github.com/herdsure/muzzleid/internal/repository"
)

// ErrResultNotFound is returned by GetResult for an unknown request id.
var ErrResultNotFound = errors.New("identification result not found")

// CattleStore defines the persistence operations needed by the use case.
type CattleStore interface {
	SaveRecord(ctx context.Context, record *repository.CattleRecord) error
	ListRecords(ctx context.Context) ([]*repository.CattleRecord, error)
	SaveIdentification(ctx context.Context, entry *repository.IdentificationLog) error
	FindIdentification(ctx context.Context, requestID string) (*repository.IdentificationLog, error)
	RecentIdentifications(ctx context.Context, limit int) ([]*repository.IdentificationLog, error)
	AggregateStats(ctx context.Context) (*repository.StatsAggregation, error)
}

// Settings carries the decision thresholds and cache lifetimes.
type Settings struct {
	Thresholds        geo.Thresholds
	VerifyThreshold   float64
	EmbeddingCacheTTL time.Duration
	ResultCacheTTL    time.Duration
}

// IdentificationUseCase encapsulates the register, identify and verify flows.
// Cache and store are optional: a nil cache recomputes every embedding, a nil
// store keeps the registry memory-only and disables the audit trail.
type IdentificationUseCase struct {
	registry       *registry.Registry
	embedder       embedder.Client
	cache          Cache
	store          CattleStore
	settings       Settings
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// RegisterResult confirms a stored registration.
type RegisterResult struct {
	CattleID   string `json:"cattle_id"`
	Name       string `json:"name"`
	Dimensions int    `json:"dimensions"`
}

// IdentifyResult is the outcome of one identification request. Scored
// reports whether the registry had any record to compare against; the
// similarity fields are meaningless when it is false.
type IdentifyResult struct {
	RequestID      string     `json:"request_id"`
	Status         geo.Status `json:"status"`
	Scored         bool       `json:"scored"`
	Matched        bool       `json:"matched"`
	CattleID       string     `json:"cattle_id,omitempty"`
	Name           string     `json:"name,omitempty"`
	Similarity     float64    `json:"similarity"`
	Confidence     float64    `json:"confidence"`
	VectorDistance float64    `json:"distance"`
	DistanceKm     float64    `json:"distance_km"`
	Message        string     `json:"message"`
}

// VerifyResult is a stateless pairwise comparison outcome.
type VerifyResult struct {
	Match      bool    `json:"match"`
	Similarity float64 `json:"similarity_score"`
	Threshold  float64 `json:"threshold_used"`
}

// HealthStatus reports the liveness of the service dependencies.
type HealthStatus struct {
	ModelLoaded        bool `json:"model_loaded"`
	RegistrySize       int  `json:"registry_size"`
	CacheEnabled       bool `json:"cache_enabled"`
	PersistenceEnabled bool `json:"persistence_enabled"`
}

// NewIdentificationUseCase constructs a new use case instance.
func NewIdentificationUseCase(reg *registry.Registry, client embedder.Client, cache Cache, store CattleStore, settings Settings, logger *zap.Logger) *IdentificationUseCase {
	return &IdentificationUseCase{
		registry:       reg,
		embedder:       client,
		cache:          cache,
		store:          store,
		settings:       settings,
		logger:         logger.Named("identification_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// RegisterCattle runs the registration pipeline. When a durable store is
// configured the record is persisted before it becomes visible in the
// registry, so a failed write never leaves a memory-only registration behind.
func (uc *IdentificationUseCase) RegisterCattle(ctx context.Context, name string, imageBytes []byte, lat, lon float64) (*RegisterResult, error) {
	cattleID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.register_cattle", cattleID)

	vector, err := uc.embedVector(ctx, cattleID, imageBytes)
	if err != nil {
		return nil, err
	}

	record := &registry.Record{
		ID:           cattleID,
		Name:         strings.TrimSpace(name),
		Vector:       vector,
		Latitude:     lat,
		Longitude:    lon,
		RegisteredAt: time.Now().UTC(),
	}

	if uc.store != nil {
		persisted := &repository.CattleRecord{
			ID:        record.ID,
			Name:      record.Name,
			Embedding: registry.EncodeVector(vector),
			Latitude:  lat,
			Longitude: lon,
			CreatedAt: record.RegisteredAt,
		}
		if err := uc.store.SaveRecord(ctx, persisted); err != nil {
			opLogger.Error("failed to persist registration", zap.Error(err))
			return nil, err
		}
	}

	uc.registry.Add(record)
	metrics.RegisteredCattle.Set(float64(uc.registry.Size()))

	opLogger.Info("cattle registered", zap.String("name", record.Name), zap.Int("dimensions", len(vector)))
	return &RegisterResult{CattleID: record.ID, Name: record.Name, Dimensions: len(vector)}, nil
}

// Identify compares one muzzle image against every registered animal and
// gates the best match by its distance from the registration location. An
// empty registry yields a REJECTED result, not an error.
func (uc *IdentificationUseCase) Identify(ctx context.Context, imageBytes []byte, lat, lon float64) (*IdentifyResult, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.identify", requestID)

	vector, err := uc.embedVector(ctx, requestID, imageBytes)
	if err != nil {
		return nil, err
	}

	best, found, err := uc.registry.FindBestMatch(vector)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.find_best_match", requestID, err)
		opLogger.Error("registry comparison failed", zap.Error(wrapped))
		return nil, wrapped
	}

	result := &IdentifyResult{
		RequestID: requestID,
		Status:    geo.StatusRejected,
		Message:   "no cattle registered",
	}
	if found {
		distanceKm := geo.DistanceKm(lat, lon, best.Latitude, best.Longitude)
		status := geo.Decide(best.Similarity, distanceKm, uc.settings.Thresholds)

		result.Status = status
		result.Scored = true
		result.Matched = status == geo.StatusApproved || status == geo.StatusManualReview
		result.Similarity = best.Similarity
		result.Confidence = best.Similarity * 100
		result.VectorDistance = 1 - best.Similarity
		result.DistanceKm = distanceKm
		result.Message = uc.statusMessage(status, distanceKm)
		if status != geo.StatusRejected {
			result.CattleID = best.ID
			result.Name = best.Name
		}
	}

	metrics.IdentificationDecisionsTotal.WithLabelValues(string(result.Status)).Inc()

	if uc.store != nil {
		entry := &repository.IdentificationLog{
			RequestID:  requestID,
			CattleID:   result.CattleID,
			CattleName: result.Name,
			Status:     string(result.Status),
			Similarity: result.Similarity,
			DistanceKm: result.DistanceKm,
			CreatedAt:  time.Now().UTC(),
		}
		if err := uc.store.SaveIdentification(ctx, entry); err != nil {
			opLogger.Error("failed to persist identification", zap.Error(err))
			return nil, err
		}
	}

	uc.cacheResult(ctx, requestID, result, opLogger)

	opLogger.Info("identification decided",
		zap.String("status", string(result.Status)),
		zap.Float64("similarity", result.Similarity),
		zap.Float64("distance_km", result.DistanceKm))
	return result, nil
}

// Verify compares two muzzle images pairwise without touching the registry.
func (uc *IdentificationUseCase) Verify(ctx context.Context, imageA, imageB []byte) (*VerifyResult, error) {
	requestID := uuid.NewString()

	vectorA, err := uc.embedVector(ctx, requestID, imageA)
	if err != nil {
		return nil, err
	}
	vectorB, err := uc.embedVector(ctx, requestID, imageB)
	if err != nil {
		return nil, err
	}

	similarity, err := matching.Cosine(vectorA, vectorB)
	if err != nil {
		return nil, logging.NewOperationError("usecase.verify", requestID, err)
	}

	return &VerifyResult{
		Match:      matching.Matches(similarity, uc.settings.VerifyThreshold),
		Similarity: similarity,
		Threshold:  uc.settings.VerifyThreshold,
	}, nil
}

// GetResult returns a recent identification decision by request id, served
// from the result cache when present and the audit log otherwise.
func (uc *IdentificationUseCase) GetResult(ctx context.Context, requestID string) (*IdentifyResult, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)

	if uc.cache != nil {
		raw, err := uc.withCacheGet(ctx, requestID, "cache.get.identify_result", identifyResultKey(requestID))
		switch {
		case err == nil:
			var result IdentifyResult
			if err := json.Unmarshal([]byte(raw), &result); err != nil {
				opLogger.Warn("failed to decode cached result", zap.Error(err))
			} else {
				return &result, nil
			}
		case !errors.Is(err, redis.Nil):
			opLogger.Warn("result cache read failed", zap.Error(err))
		}
	}

	if uc.store == nil {
		return nil, ErrResultNotFound
	}

	entry, err := uc.store.FindIdentification(ctx, requestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrResultNotFound
		}
		return nil, err
	}

	status := geo.Status(entry.Status)
	return &IdentifyResult{
		RequestID:      entry.RequestID,
		Status:         status,
		Scored:         entry.CattleID != "" || entry.Similarity > 0,
		Matched:        status == geo.StatusApproved || status == geo.StatusManualReview,
		CattleID:       entry.CattleID,
		Name:           entry.CattleName,
		Similarity:     entry.Similarity,
		Confidence:     entry.Similarity * 100,
		VectorDistance: 1 - entry.Similarity,
		DistanceKm:     entry.DistanceKm,
		Message:        uc.statusMessage(status, entry.DistanceKm),
	}, nil
}

// Health probes the model server and reports dependency state. The service
// never answers identification requests through this path, so a failed probe
// degrades health reporting without affecting stored records.
func (uc *IdentificationUseCase) Health(ctx context.Context) HealthStatus {
	err := uc.embedder.Ready(ctx)
	if err != nil {
		uc.logger.Warn("model server probe failed", zap.Error(err))
	}
	return HealthStatus{
		ModelLoaded:        err == nil,
		RegistrySize:       uc.registry.Size(),
		CacheEnabled:       uc.cache != nil,
		PersistenceEnabled: uc.store != nil,
	}
}

// LoadRegistry warm-loads persisted registrations into the in-memory
// registry, oldest first so tie-breaking keeps its original order. A stored
// vector whose length disagrees with the configured embedder dimension is a
// deployment bug and fails the load.
func (uc *IdentificationUseCase) LoadRegistry(ctx context.Context) (int, error) {
	if uc.store == nil {
		return 0, nil
	}

	records, err := uc.store.ListRecords(ctx)
	if err != nil {
		return 0, err
	}

	for _, persisted := range records {
		vector, err := registry.DecodeVector(persisted.Embedding)
		if err != nil {
			return 0, logging.NewOperationError("usecase.load_registry", persisted.ID, err)
		}
		if len(vector) != uc.embedder.Dimension() {
			err := &matching.ErrDimensionMismatch{Expected: uc.embedder.Dimension(), Actual: len(vector)}
			return 0, logging.NewOperationError("usecase.load_registry", persisted.ID, err)
		}
		uc.registry.Add(&registry.Record{
			ID:           persisted.ID,
			Name:         persisted.Name,
			Vector:       vector,
			Latitude:     persisted.Latitude,
			Longitude:    persisted.Longitude,
			RegisteredAt: persisted.CreatedAt,
		})
	}

	metrics.RegisteredCattle.Set(float64(uc.registry.Size()))
	return len(records), nil
}

func (uc *IdentificationUseCase) cacheResult(ctx context.Context, requestID string, result *IdentifyResult, opLogger *zap.Logger) {
	if uc.cache == nil {
		return
	}

	serialized, err := json.Marshal(result)
	if err != nil {
		opLogger.Warn("failed to serialize identification result", zap.Error(err))
		return
	}
	if err := uc.withCacheRetry(ctx, requestID, "cache.set.identify_result", func() error {
		return uc.cache.Set(ctx, identifyResultKey(requestID), serialized, uc.settings.ResultCacheTTL)
	}); err != nil {
		opLogger.Warn("failed to cache identification result", zap.Error(err))
	}
}

func (uc *IdentificationUseCase) statusMessage(status geo.Status, distanceKm float64) string {
	switch status {
	case geo.StatusApproved:
		return "strong match"
	case geo.StatusManualReview:
		return "potential match, verify visually"
	case geo.StatusLocationMismatch:
		return fmt.Sprintf("muzzle matches but location is %.1f km away (limit %.1f km)",
			distanceKm, uc.settings.Thresholds.MaxDistanceKm)
	default:
		return "no match found"
	}
}
