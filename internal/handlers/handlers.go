// Package handlers wires the identification pipeline to its HTTP surface.
package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/herdsure/muzzleid/internal/logging"
	"github.com/herdsure/muzzleid/internal/matching"
	"github.com/herdsure/muzzleid/internal/metrics"
	"github.com/herdsure/muzzleid/internal/muzzle"
	"github.com/herdsure/muzzleid/internal/usecase"
)

// MaxUploadSize caps a single uploaded image at 10 MiB.
const MaxUploadSize = 10 << 20

const defaultRecentLimit = 20

var allowedImageTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/gif":  {},
	"image/bmp":  {},
	"image/tiff": {},
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.IdentificationUseCase) {
	router.Use(requestMetrics())

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": "muzzleid",
			"endpoints": []string{
				"POST /register",
				"POST /identify",
				"POST /verify",
				"GET /result/:id",
				"GET /identifications",
				"GET /stats",
				"GET /health",
				"GET /metrics",
			},
		})
	})

	router.GET("/health", func(c *gin.Context) {
		health := uc.Health(c.Request.Context())
		status := http.StatusOK
		body := gin.H{
			"status":              "healthy",
			"model_loaded":        health.ModelLoaded,
			"registry_size":       health.RegistrySize,
			"cache_enabled":       health.CacheEnabled,
			"persistence_enabled": health.PersistenceEnabled,
		}
		if !health.ModelLoaded {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
		c.JSON(status, body)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/register", func(c *gin.Context) {
		name := strings.TrimSpace(c.PostForm("name"))
		if name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
			return
		}

		lat, lon, ok := coordinates(c)
		if !ok {
			return
		}

		imageBytes, ok := readImageFile(c, "image")
		if !ok {
			return
		}

		result, err := uc.RegisterCattle(c.Request.Context(), name, imageBytes, lat, lon)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"cattle_id":  result.CattleID,
			"name":       result.Name,
			"dimensions": result.Dimensions,
			"message":    "cattle registered successfully",
		})
	})

	router.POST("/identify", func(c *gin.Context) {
		lat, lon, ok := coordinates(c)
		if !ok {
			return
		}

		imageBytes, ok := readImageFile(c, "image")
		if !ok {
			return
		}

		result, err := uc.Identify(c.Request.Context(), imageBytes, lat, lon)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, result)
	})

	router.POST("/verify", func(c *gin.Context) {
		imageA, ok := readImageFile(c, "image_a")
		if !ok {
			return
		}
		imageB, ok := readImageFile(c, "image_b")
		if !ok {
			return
		}

		result, err := uc.Verify(c.Request.Context(), imageA, imageB)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, result)
	})

	router.GET("/result/:id", func(c *gin.Context) {
		requestID := c.Param("id")

		result, err := uc.GetResult(c.Request.Context(), requestID)
		if err != nil {
			if errors.Is(err, usecase.ErrResultNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
				return
			}
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, result)
	})

	router.GET("/identifications", func(c *gin.Context) {
		limit := defaultRecentLimit
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 || parsed > 100 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer between 1 and 100"})
				return
			}
			limit = parsed
		}

		entries, err := uc.RecentActivity(c.Request.Context(), limit)
		if err != nil {
			if errors.Is(err, usecase.ErrStatsUnavailable) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence is not configured"})
				return
			}
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"identifications": entries})
	})

	router.GET("/stats", func(c *gin.Context) {
		summary, err := uc.Stats(c.Request.Context())
		if err != nil {
			if errors.Is(err, usecase.ErrStatsUnavailable) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence is not configured"})
				return
			}
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, summary)
	})
}

// coordinates parses and range-checks the latitude/longitude form fields,
// writing a 400 response itself when they are missing or out of range.
func coordinates(c *gin.Context) (lat, lon float64, ok bool) {
	lat, err := strconv.ParseFloat(c.PostForm("latitude"), 64)
	if err != nil || lat < -90 || lat > 90 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "latitude must be a number in [-90, 90]"})
		return 0, 0, false
	}
	lon, err = strconv.ParseFloat(c.PostForm("longitude"), 64)
	if err != nil || lon < -180 || lon > 180 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "longitude must be a number in [-180, 180]"})
		return 0, 0, false
	}
	return lat, lon, true
}

// readImageFile pulls one uploaded image out of the multipart form, enforcing
// the size cap (413) and the image MIME allow-list (415). It writes the error
// response itself and reports success through ok.
func readImageFile(c *gin.Context, field string) (data []byte, ok bool) {
	file, err := c.FormFile(field)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": field + " file is required"})
		return nil, false
	}

	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds the 10 MiB upload limit"})
		return nil, false
	}

	contentType := file.Header.Get("Content-Type")
	if _, allowed := allowedImageTypes[contentType]; !allowed {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported image type " + contentType})
		return nil, false
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open uploaded image"})
		return nil, false
	}
	defer src.Close()

	data, err = io.ReadAll(io.LimitReader(src, MaxUploadSize+1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read uploaded image"})
		return nil, false
	}
	if len(data) > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds the 10 MiB upload limit"})
		return nil, false
	}

	return data, true
}

// writeError maps pipeline errors to HTTP statuses: undecodable images are
// client errors, dimension mismatches are deployment bugs, a failing model
// server is a bad gateway, everything else is internal.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError

	var decodeErr *muzzle.DecodeError
	var dimErr *matching.ErrDimensionMismatch
	var opErr *logging.OperationError
	switch {
	case errors.As(err, &decodeErr):
		status = http.StatusBadRequest
	case errors.As(err, &dimErr):
		status = http.StatusInternalServerError
	case errors.As(err, &opErr) && strings.HasPrefix(opErr.Operation, "embedder."):
		status = http.StatusBadGateway
	}

	c.JSON(status, gin.H{"error": err.Error()})
}

// requestMetrics counts every request by route template, method and status.
func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(path, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
