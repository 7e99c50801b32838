package codec

import "strings"

// wgs84WKT is the .prj content written with every exported archive.
const wgs84WKT = `GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",SPHEROID["WGS_1984",6378137.0,298.257223563]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]]`

var webMercatorMarkers = []string{
	"mercator_auxiliary_sphere",
	"pseudo-mercator",
	"pseudo_mercator",
	"popular visualisation",
	"web_mercator",
	"wgs 84 / pseudo-mercator",
}

// isWebMercator reports whether a .prj WKT describes Web Mercator. Other
// projected systems are read as they are.
func isWebMercator(wkt string) bool {
	lower := strings.ToLower(wkt)
	if !strings.HasPrefix(strings.TrimSpace(lower), "projcs") {
		return false
	}
	for _, m := range webMercatorMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
