package domain

import "math"

// CoordinatePrecision is the number of decimal places kept on coordinates.
const CoordinatePrecision = 5

const earthRadiusKm = 6371.0

// KmPerDegreeLat is the great-circle length of one degree of latitude.
const KmPerDegreeLat = math.Pi * earthRadiusKm / 180.0

// Distance returns the haversine great-circle distance between a and b in km.
func Distance(a, b Geo) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	lat1 := toRad(a.Lat)
	lat2 := toRad(b.Lat)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Sin(dLon/2)*math.Sin(dLon/2)*math.Cos(lat1)*math.Cos(lat2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Centroid is the arithmetic mean of the given points. Longitudes are
// averaged on the unit circle so clusters straddling the antimeridian stay
// put. Returns the zero Geo for an empty slice.
func Centroid(points []Geo) Geo {
	if len(points) == 0 {
		return Geo{}
	}
	var lat, x, y float64
	for _, p := range points {
		lat += p.Lat
		x += math.Cos(toRad(p.Lon))
		y += math.Sin(toRad(p.Lon))
	}
	n := float64(len(points))
	lon := toDeg(math.Atan2(y/n, x/n))
	return Geo{Lat: lat / n, Lon: lon}
}

// RoundCoord rounds v to CoordinatePrecision decimal places.
func RoundCoord(v float64) float64 {
	p := math.Pow(10, CoordinatePrecision)
	return math.Round(v*p) / p
}

// Valid reports whether g lies within WGS-84 bounds.
func (g Geo) Valid() bool {
	return !math.IsNaN(g.Lat) && !math.IsNaN(g.Lon) &&
		g.Lat >= -90 && g.Lat <= 90 && g.Lon >= -180 && g.Lon <= 180
}

func toRad(d float64) float64 { return d * math.Pi / 180 }
func toDeg(r float64) float64 { return r * 180 / math.Pi }
