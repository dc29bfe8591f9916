// Package geo holds the GeoJSON geometry value type exchanged with the
// spatial store. Geometry math (distances, buffers, intersection) is
// performed by PostGIS; this package only validates the envelope.
package geo

import (
	"encoding/json"
	"fmt"

	"github.com/digcoord/digcoord/internal/apperr"
)

// geometryTypes are the GeoJSON geometry types accepted on the wire.
var geometryTypes = map[string]bool{
	"Point":           true,
	"LineString":      true,
	"Polygon":         true,
	"MultiPoint":      true,
	"MultiLineString": true,
	"MultiPolygon":    true,
}

// Geometry is a validated GeoJSON geometry. The raw document is kept
// verbatim so the store receives exactly what the client sent and
// round-trips preserve topology.
type Geometry struct {
	typ string
	raw json.RawMessage
}

type envelope struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// Parse validates a GeoJSON geometry document.
func Parse(raw []byte) (Geometry, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Geometry{}, apperr.InvalidInput("geometry", fmt.Sprintf("not valid GeoJSON: %v", err))
	}
	if !geometryTypes[env.Type] {
		return Geometry{}, apperr.InvalidInput("geometry", fmt.Sprintf("unsupported geometry type %q", env.Type))
	}
	if len(env.Coordinates) == 0 || string(env.Coordinates) == "null" {
		return Geometry{}, apperr.InvalidInput("geometry", "missing coordinates")
	}
	buf := make(json.RawMessage, len(raw))
	copy(buf, raw)
	return Geometry{typ: env.Type, raw: buf}, nil
}

// MustParse is a test helper; it panics on invalid input.
func MustParse(raw string) Geometry {
	g, err := Parse([]byte(raw))
	if err != nil {
		panic(err)
	}
	return g
}

// Point builds a GeoJSON point from WGS84 longitude/latitude.
func Point(lon, lat float64) Geometry {
	raw := fmt.Sprintf(`{"type":"Point","coordinates":[%g,%g]}`, lon, lat)
	return Geometry{typ: "Point", raw: json.RawMessage(raw)}
}

// Type returns the GeoJSON geometry type.
func (g Geometry) Type() string { return g.typ }

// IsZero reports whether the geometry is unset.
func (g Geometry) IsZero() bool { return len(g.raw) == 0 }

// GeoJSON returns the raw GeoJSON document, suitable for binding into
// ST_GeomFromGeoJSON.
func (g Geometry) GeoJSON() string { return string(g.raw) }

// MarshalJSON emits the original document verbatim.
func (g Geometry) MarshalJSON() ([]byte, error) {
	if g.IsZero() {
		return []byte("null"), nil
	}
	return g.raw, nil
}

// UnmarshalJSON validates and stores the document.
func (g *Geometry) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*g = Geometry{}
		return nil
	}
	parsed, err := Parse(b)
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}
