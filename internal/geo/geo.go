// Package geo combines biometric match confidence with physical distance to
// decide whether an identification claim is legitimate.
package geo

import "github.com/umahmood/haversine"

// Status is the outcome of gating a match verdict by location.
type Status string

const (
	StatusApproved         Status = "APPROVED"
	StatusManualReview     Status = "MANUAL_REVIEW"
	StatusLocationMismatch Status = "LOCATION_MISMATCH"
	StatusRejected         Status = "REJECTED"
)

// Thresholds configures the decision table. Similarities are in [0, 1],
// distances in kilometers.
type Thresholds struct {
	Review         float64
	HighConfidence float64
	MaxDistanceKm  float64
}

// DistanceKm returns the great-circle distance between two coordinate pairs
// in kilometers (haversine formula, Earth radius 6371 km).
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	_, km := haversine.Distance(
		haversine.Coord{Lat: lat1, Lon: lon1},
		haversine.Coord{Lat: lat2, Lon: lon2},
	)
	return km
}

// Decide evaluates the ordered decision table; the first matching rule wins
// and later rules are not considered.
//
//	similarity >= high confidence, distance <= max  -> APPROVED
//	review <= similarity < high confidence          -> MANUAL_REVIEW
//	similarity >= high confidence, distance > max   -> LOCATION_MISMATCH
//	similarity < review                             -> REJECTED
//
// Boundaries are inclusive at each rule's lower bound.
func Decide(similarity, distanceKm float64, t Thresholds) Status {
	switch {
	case similarity >= t.HighConfidence && distanceKm <= t.MaxDistanceKm:
		return StatusApproved
	case similarity >= t.Review && similarity < t.HighConfidence:
		return StatusManualReview
	case similarity >= t.HighConfidence:
		return StatusLocationMismatch
	default:
		return StatusRejected
	}
}
