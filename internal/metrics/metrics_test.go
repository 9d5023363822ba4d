package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestCollectorsRegistered(t *testing.T) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		seen[f.GetName()] = f
	}

	// Unlabelled collectors are gathered even before their first update.
	for _, name := range []string{
		"meshview_sensor_rows",
		"meshview_sensor_alarms",
		"meshview_topology_nodes",
		"meshview_topology_links",
		"meshview_packets_dropped_total",
		"meshview_viewers",
		"meshview_bus_dropped_total",
	} {
		if _, ok := seen[name]; !ok {
			t.Errorf("%s not registered", name)
		}
	}
	if f := seen["meshview_viewers"]; f != nil && f.GetType() != dto.MetricType_GAUGE {
		t.Errorf("meshview_viewers type = %v, want gauge", f.GetType())
	}
}

func TestLabelledCounters(t *testing.T) {
	before := testutil.ToFloat64(Packets.WithLabelValues("interest"))
	Packets.WithLabelValues("interest").Inc()
	Packets.WithLabelValues("data").Inc()
	if got := testutil.ToFloat64(Packets.WithLabelValues("interest")); got != before+1 {
		t.Errorf("interest packets = %v, want %v", got, before+1)
	}

	MQTTConnected.WithLabelValues("dashboard").Set(1)
	want := `
# HELP meshview_mqtt_connected Whether the broker link is connected (1) or retrying (0)
# TYPE meshview_mqtt_connected gauge
meshview_mqtt_connected{link="dashboard"} 1
`
	if err := testutil.CollectAndCompare(MQTTConnected, strings.NewReader(want)); err != nil {
		t.Error(err)
	}
}
