package sensors

import (
	"log/slog"
	"time"

	"github.com/nugget/meshview/internal/events"
	"github.com/nugget/meshview/internal/metrics"
)

// Handler feeds gas readings from the broker into a [Table] and
// announces every row change on the event bus.
type Handler struct {
	table  *Table
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time
}

// NewHandler creates a Handler. bus may be nil.
func NewHandler(table *Table, bus *events.Bus, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		table:  table,
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
}

// HandleMessage processes one reading. It has the shape of an
// mqtt.MessageHandler. The reading is stamped with its receipt time.
func (h *Handler) HandleMessage(topic string, payload []byte) {
	at := h.now()
	name := SensorName(topic)
	if name == "" {
		h.logger.Debug("sensor reading without sensor segment ignored", "topic", topic)
		return
	}

	sensor, created := h.table.Update(name, payload, at)

	if !sensor.Valid {
		h.logger.Warn("sensor reading is not an integer",
			"sensor", sensor.Name, "payload", sensor.Raw)
	}
	if created {
		h.logger.Info("sensor discovered", "sensor", sensor.Name, "id", sensor.ID)
	}
	h.logger.Debug("sensor reading",
		"sensor", sensor.Name,
		"value", sensor.Raw,
		"alarm", sensor.Alarm,
	)

	metrics.SensorRows.Set(float64(h.table.Len()))
	metrics.SensorAlarms.Set(float64(h.table.AlarmCount()))

	h.bus.Publish(events.NewEvent(events.SourceSensors, events.KindSensorUpdated, map[string]any{
		"sensor":  sensor,
		"created": created,
	}))
}
