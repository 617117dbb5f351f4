package api

import "hash/fnv"

// Metres per degree of latitude, and the longitude scale used near the
// default origin.
const (
	metresPerDegLat = 111320.0
	lngScale        = 0.9
)

// placeholderSpread is the half-width, in degrees, of the box placeholder
// positions are drawn from.
const placeholderSpread = 0.01

// LatLng is a display position.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Geo maps engine network metres onto map coordinates around an origin.
type Geo struct {
	OriginLat float64
	OriginLng float64
}

// LatLng converts an engine position.
func (g Geo) LatLng(x, y float64) LatLng {
	return LatLng{
		Lat: g.OriginLat + y/metresPerDegLat,
		Lng: g.OriginLng + x/(metresPerDegLat*lngScale),
	}
}

// Placeholder returns a stable position near the origin for an entity the
// engine gave no coordinates for.
func (g Geo) Placeholder(id string) LatLng {
	h := fnv.New32a()
	h.Write([]byte(id))
	sum := h.Sum32()
	dx := float64(sum%2000)/2000*2*placeholderSpread - placeholderSpread
	dy := float64((sum/2000)%2000)/2000*2*placeholderSpread - placeholderSpread
	return LatLng{Lat: g.OriginLat + dy, Lng: g.OriginLng + dx}
}
