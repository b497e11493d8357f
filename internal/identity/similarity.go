package identity

import (
	"math"
	"strings"
)

var nameStopWords = map[string]bool{
	"THE": true, "A": true, "AN": true, "OF": true, "AND": true, "&": true,
	"INC": true, "LLC": true, "CO": true, "CORP": true, "LTD": true,
}

func nameTokens(name string) map[string]bool {
	set := map[string]bool{}
	for _, tok := range strings.Fields(stripPunct(strings.ToUpper(name))) {
		if !nameStopWords[tok] {
			set[tok] = true
		}
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

// NameSimilarity is the token Jaccard of two business names, ignoring
// articles and corporate suffixes.
func NameSimilarity(a, b string) float64 {
	return jaccard(nameTokens(a), nameTokens(b))
}

// AddressSimilarity compares two normalized addresses.
func AddressSimilarity(a, b Address) float64 {
	var score float64
	switch {
	case a.Key != "" && a.Key == b.Key:
		score = 1.0
	case a.Number != "" && a.Number == b.Number && a.Street == b.Street:
		score = 0.9
	default:
		score = 0.5 * jaccard(tokenSet(a.Street), tokenSet(b.Street))
	}
	if a.Zip != "" && a.Zip == b.Zip {
		score += 0.1
	}
	return math.Min(score, 1.0)
}

func tokenSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, tok := range strings.Fields(s) {
		set[tok] = true
	}
	return set
}

const earthRadiusMeters = 6371000.0

// HaversineMeters returns the great-circle distance between two points.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// GeoProximity is 1 within 50 m, decays linearly, and reaches 0 at 500 m.
func GeoProximity(lat1, lon1, lat2, lon2 float64) float64 {
	d := HaversineMeters(lat1, lon1, lat2, lon2)
	switch {
	case d <= 50:
		return 1
	case d >= 500:
		return 0
	default:
		return 1 - (d-50)/450
	}
}
