// Package sensors maintains the gas-sensor table: one row per sensor
// identity derived from the reading topic, with an alarm flag driven by
// fixed thresholds.
package sensors

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// Sensor is one row of the sensor table.
type Sensor struct {
	// ID is the name with colons replaced by hyphens, safe for use as an
	// HTML element id.
	ID   string `json:"id"`
	Name string `json:"name"`

	// Value is the last reading. Valid is false when the payload was not
	// a decimal integer; Raw always holds the payload text.
	Value int    `json:"value"`
	Raw   string `json:"raw"`
	Valid bool   `json:"valid"`

	UpdatedAt time.Time `json:"updated_at"`
	Alarm     bool      `json:"alarm"`
}

// Thresholds drive the alarm flag. A reading below On raises the alarm,
// a reading above Off clears it, and a reading in [On, Off] leaves the
// flag unchanged.
type Thresholds struct {
	On  int
	Off int
}

// SensorName derives the sensor identity from a reading topic: every
// segment except the last, joined with ":". "HAW/room1/gas" yields
// "HAW:room1". A single-segment topic yields "".
func SensorName(topic string) string {
	parts := strings.Split(topic, "/")
	return strings.Join(parts[:len(parts)-1], ":")
}

// SensorID makes a sensor name safe for use as an element id.
func SensorID(name string) string {
	return strings.ReplaceAll(name, ":", "-")
}

// Table is the in-memory sensor table. Rows keep first-seen order and
// are never removed. Safe for concurrent use.
type Table struct {
	mu         sync.RWMutex
	thresholds Thresholds
	rows       []*Sensor
	byID       map[string]*Sensor
}

// NewTable creates an empty table with the given alarm thresholds.
func NewTable(th Thresholds) *Table {
	return &Table{
		thresholds: th,
		byID:       make(map[string]*Sensor),
	}
}

// Update records a reading for the named sensor. The first reading for
// a name creates its row; later readings update that row in place. It
// returns a copy of the row and whether it was created.
func (t *Table) Update(name string, payload []byte, at time.Time) (Sensor, bool) {
	id := SensorID(name)
	raw := strings.TrimSpace(string(payload))
	value, err := strconv.Atoi(raw)

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.byID[id]
	if !ok {
		s = &Sensor{ID: id, Name: name}
		t.byID[id] = s
		t.rows = append(t.rows, s)
	}

	s.Raw = raw
	s.UpdatedAt = at
	s.Valid = err == nil
	if s.Valid {
		s.Value = value
		switch {
		case value < t.thresholds.On:
			s.Alarm = true
		case value > t.thresholds.Off:
			s.Alarm = false
		}
	}

	return *s, !ok
}

// Get returns a copy of the row with the given id.
func (t *Table) Get(id string) (Sensor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byID[id]
	if !ok {
		return Sensor{}, false
	}
	return *s, true
}

// Rows returns copies of all rows in first-seen order.
func (t *Table) Rows() []Sensor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Sensor, len(t.rows))
	for i, s := range t.rows {
		out[i] = *s
	}
	return out
}

// Len returns the number of rows.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// AlarmCount returns the number of rows currently in alarm.
func (t *Table) AlarmCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, s := range t.rows {
		if s.Alarm {
			n++
		}
	}
	return n
}
