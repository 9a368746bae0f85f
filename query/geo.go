package query

import (
	"math"

	"github.com/camden-git/photofacets/repository"
)

// EarthRadiusKm is the IUGG mean Earth radius.
const EarthRadiusKm = 6371.0088

// bboxSlackDeg widens the prefilter box so rounding never excludes a point
// that the exact distance test would keep.
const bboxSlackDeg = 1e-9

func radians(d float64) float64 { return d * math.Pi / 180 }

// Haversine returns the great-circle distance in kilometers.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := radians(lat2 - lat1)
	dLon := radians(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(lat1))*math.Cos(radians(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	if a > 1 {
		a = 1
	}
	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(a))
}

// BoundingBox returns a rectangle containing every point within radiusKm
// of (lat, lon). Near a pole all longitudes are included; across the
// antimeridian the longitude range wraps.
func BoundingBox(lat, lon, radiusKm float64) repository.GeoBox {
	dLat := radiusKm/EarthRadiusKm*180/math.Pi + bboxSlackDeg
	box := repository.GeoBox{
		MinLat: math.Max(-90, lat-dLat),
		MaxLat: math.Min(90, lat+dLat),
	}
	if lat-dLat <= -90 || lat+dLat >= 90 {
		box.AllLongitudes = true
		return box
	}

	// widest longitude span is reached at the latitude closest to a pole
	maxAbsLat := math.Max(math.Abs(box.MinLat), math.Abs(box.MaxLat))
	dLon := math.Asin(math.Min(1, math.Sin(radiusKm/EarthRadiusKm)/math.Cos(radians(maxAbsLat))))*180/math.Pi + bboxSlackDeg
	if dLon >= 180 {
		box.AllLongitudes = true
		return box
	}
	box.MinLon, box.MaxLon = lon-dLon, lon+dLon
	switch {
	case box.MinLon < -180:
		box.MinLon += 360
		box.WrapsLongitude = true
	case box.MaxLon > 180:
		box.MaxLon -= 360
		box.WrapsLongitude = true
	}
	return box
}
