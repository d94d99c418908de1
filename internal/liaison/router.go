package liaison

import "strings"

// Category is the middle segment of a device topic.
type Category string

const (
	CategoryStatus    Category = "status"
	CategoryLocation  Category = "location"
	CategoryRestocked Category = "restocked"
)

// Route is a classified inbound topic.
type Route struct {
	Category   Category
	HardwareID string
}

// Topics builds device topics under one namespace.
type Topics struct {
	Namespace string
}

func (t Topics) Status(hardwareID string) string {
	return t.Namespace + "/" + string(CategoryStatus) + "/" + hardwareID
}

func (t Topics) Location(hardwareID string) string {
	return t.Namespace + "/" + string(CategoryLocation) + "/" + hardwareID
}

func (t Topics) Restocked(hardwareID string) string {
	return t.Namespace + "/" + string(CategoryRestocked) + "/" + hardwareID
}

// LocationFilter matches the location topic of every device.
func (t Topics) LocationFilter() string {
	return t.Namespace + "/" + string(CategoryLocation) + "/+"
}

// Parse classifies an inbound topic. Only status and location topics of the
// form <namespace>/<category>/<hardwareId> are accepted; everything else
// reports false.
func (t Topics) Parse(topic string) (Route, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 {
		return Route{}, false
	}
	if parts[0] != t.Namespace || parts[2] == "" {
		return Route{}, false
	}

	switch Category(parts[1]) {
	case CategoryStatus, CategoryLocation:
		return Route{Category: Category(parts[1]), HardwareID: parts[2]}, true
	default:
		return Route{}, false
	}
}
