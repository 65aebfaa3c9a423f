package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/herdsure/muzzleid/internal/logging"
	"github.com/herdsure/muzzleid/internal/matching"
	"github.com/herdsure/muzzleid/internal/metrics"
	"github.com/herdsure/muzzleid/internal/muzzle"
	"github.com/herdsure/muzzleid/internal/registry"
)

// embedVector turns raw image bytes into an L2-normalized feature vector,
// consulting the embedding cache when one is configured. Cache failures
// degrade to recomputing the embedding; they never fail the request. The
// embed call itself is never retried.
func (uc *IdentificationUseCase) embedVector(ctx context.Context, requestID string, imageBytes []byte) ([]float32, error) {
	start := time.Now()
	opLogger := logging.WithOperation(uc.logger, "usecase.embed", requestID)

	key := embeddingCacheKey(imageBytes)
	if uc.cache != nil {
		if vector, ok := uc.cachedEmbedding(ctx, requestID, key, opLogger); ok {
			return vector, nil
		}
	}

	tensor, err := muzzle.Preprocess(imageBytes)
	if err != nil {
		opLogger.Warn("image preprocessing failed", zap.Error(err))
		return nil, err
	}

	vector, err := uc.embedder.Embed(ctx, tensor)
	if err != nil {
		opLogger.Error("embedding failed", zap.Error(err))
		return nil, err
	}
	matching.NormalizeL2(vector)

	if uc.cache != nil {
		if err := uc.withCacheRetry(ctx, requestID, "cache.set.embedding", func() error {
			return uc.cache.Set(ctx, key, registry.EncodeVector(vector), uc.settings.EmbeddingCacheTTL)
		}); err != nil {
			metrics.EmbeddingCacheEventsTotal.WithLabelValues("write_error").Inc()
			opLogger.Warn("failed to cache embedding", zap.Error(err))
		}
	}

	metrics.EmbeddingDurationSeconds.Observe(time.Since(start).Seconds())
	return vector, nil
}

// cachedEmbedding looks the content hash up in the cache. Entries that do not
// decode or that carry a stale dimension (left over from a different embedder
// configuration) are discarded, not served.
func (uc *IdentificationUseCase) cachedEmbedding(ctx context.Context, requestID, key string, opLogger *zap.Logger) ([]float32, bool) {
	raw, err := uc.withCacheGet(ctx, requestID, "cache.get.embedding", key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			metrics.EmbeddingCacheEventsTotal.WithLabelValues("miss").Inc()
		} else {
			metrics.EmbeddingCacheEventsTotal.WithLabelValues("read_error").Inc()
			opLogger.Warn("embedding cache read failed", zap.Error(err))
		}
		return nil, false
	}

	vector, err := registry.DecodeVector([]byte(raw))
	if err != nil {
		opLogger.Warn("discarding undecodable cached embedding", zap.Error(err))
		return nil, false
	}
	if len(vector) != uc.embedder.Dimension() {
		opLogger.Warn("discarding cached embedding with stale dimension",
			zap.Int("expected", uc.embedder.Dimension()), zap.Int("actual", len(vector)))
		return nil, false
	}

	metrics.EmbeddingCacheEventsTotal.WithLabelValues("hit").Inc()
	return vector, true
}

func (uc *IdentificationUseCase) withCacheRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *IdentificationUseCase) withCacheGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withCacheRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
