package relay

import (
	"log/slog"
	"net/http"

	"github.com/jonboulle/clockwork"

	"github.com/Roenbaeck/tubeist-sub000/events"
	"github.com/Roenbaeck/tubeist-sub000/health"
	"github.com/Roenbaeck/tubeist-sub000/metric"
)

// Dependencies are the collaborators a Relay receives instead of creating
// them itself. Every field is optional.
type Dependencies struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry // a private registry is used when nil
	Clock           clockwork.Clock         // drives retry delays
	HTTPClient      *http.Client            // shared by all upload workers
	Publisher       events.Publisher        // publishes events to NATS when set
	Sinks           []events.Sink           // extra event consumers
	Health          *health.Monitor
}

func (d *Dependencies) withDefaults() Dependencies {
	var out Dependencies
	if d != nil {
		out = *d
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.MetricsRegistry == nil {
		out.MetricsRegistry = metric.NewMetricsRegistry()
	}
	if out.Clock == nil {
		out.Clock = clockwork.NewRealClock()
	}
	if out.Health == nil {
		out.Health = health.NewMonitor(out.MetricsRegistry.CoreMetrics())
	}
	return out
}
