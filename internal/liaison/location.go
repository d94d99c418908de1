package liaison

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/xeipuuv/gojsonschema"
)

const locationSchema = `{
	"type": "object",
	"required": ["lat", "lng"],
	"properties": {
		"lat": {"type": "number", "minimum": -90, "maximum": 90},
		"lng": {"type": "number", "minimum": -180, "maximum": 180}
	}
}`

var locationPayloadSchema = mustCompileSchema(locationSchema)

func mustCompileSchema(source string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(source))
	if err != nil {
		panic(fmt.Sprintf("invalid built-in schema: %v", err))
	}
	return schema
}

type locationPayload struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// parseLocation validates and decodes a {lat, lng} payload.
func parseLocation(payload []byte) (locationPayload, error) {
	result, err := locationPayloadSchema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return locationPayload{}, fmt.Errorf("failed to parse location payload: %w", err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return locationPayload{}, fmt.Errorf("invalid location payload: %s", strings.Join(problems, "; "))
	}

	var loc locationPayload
	if err := json.Unmarshal(payload, &loc); err != nil {
		return locationPayload{}, fmt.Errorf("failed to decode location payload: %w", err)
	}
	return loc, nil
}

// locationCache keeps the last reported location per device. Each update
// replaces the previous entry. Once capacity is reached the device that has
// gone longest without reporting is evicted.
type locationCache struct {
	entries *lru.Cache[string, Location]
}

func newLocationCache(capacity int) (*locationCache, error) {
	entries, err := lru.New[string, Location](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create location cache: %w", err)
	}
	return &locationCache{entries: entries}, nil
}

func (lc *locationCache) update(hardwareID string, lat, lng float64, at time.Time) Location {
	loc := Location{
		HardwareID:  hardwareID,
		Lat:         lat,
		Lng:         lng,
		LastUpdated: at,
	}
	lc.entries.Add(hardwareID, loc)
	return loc
}

// get does not count as a use; only updates keep a device in the cache.
func (lc *locationCache) get(hardwareID string) (Location, bool) {
	return lc.entries.Peek(hardwareID)
}

func (lc *locationCache) len() int {
	return lc.entries.Len()
}
