package device

import (
	"fmt"
	"time"
)

// Location is a site where sensors are installed.
type Location string

const (
	Highway Location = "highway"
	Lab     Location = "lab"
)

// Type is the kind of resistor a sensor reads.
type Type string

const (
	StrainGauge Type = "straingauge"
	Thermistor  Type = "thermistor"
)

// Types lists every device type in catalog order.
var Types = []Type{StrainGauge, Thermistor}

// Valid reports whether t is a known device type.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Device is one physical sensor, identified by (Location, Position, Type).
type Device struct {
	Location    Location
	Position    int    // 1-based index of the sensor group at the location
	Type        Type
	ID          string // external sensor id used by the remote source
	Calibration Calibration
	Start       time.Time // first instant fetched when ingestion restarts
}

// Label is the human readable series name, e.g. "highway_1_straingauge".
func (d Device) Label() string {
	return fmt.Sprintf("%s_%d_%s", d.Location, d.Position, d.Type)
}

func (d Device) String() string {
	return d.Label() + "/" + d.ID
}

// Catalog is the flat, ordered list of every configured device.
type Catalog []Device

// Starts returns the restart instant of every device keyed by id.
func (c Catalog) Starts() map[string]time.Time {
	starts := make(map[string]time.Time, len(c))
	for _, d := range c {
		starts[d.ID] = d.Start
	}
	return starts
}

// IDs returns the device ids in catalog order.
func (c Catalog) IDs() []string {
	ids := make([]string, 0, len(c))
	for _, d := range c {
		ids = append(ids, d.ID)
	}
	return ids
}

// Validate checks that every device is complete and that ids are unique.
func (c Catalog) Validate() error {
	seen := make(map[string]string, len(c))
	for _, d := range c {
		if d.ID == "" {
			return fmt.Errorf("device %s: empty sensor id", d.Label())
		}
		if d.Position < 1 {
			return fmt.Errorf("device %s: position must be >= 1", d.Label())
		}
		if !d.Type.Valid() {
			return fmt.Errorf("device %s: unknown type %q", d.Label(), d.Type)
		}
		if d.Start.IsZero() {
			return fmt.Errorf("device %s: missing start time", d.Label())
		}
		if prev, ok := seen[d.ID]; ok {
			return fmt.Errorf("sensor id %s used by both %s and %s", d.ID, prev, d.Label())
		}
		seen[d.ID] = d.Label()
	}
	return nil
}
