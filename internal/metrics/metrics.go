// Package metrics contains the Prometheus implementations of the metrics
// interfaces of the other packages, as well as common metric helpers.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// namespace is the namespace of the metrics of the service.
const namespace = "warden"

// Subsystem names.
const (
	subsystemApplication = "app"
	subsystemFilter      = "filter"
	subsystemQueryLog    = "querylog"
)

// Namespace returns the namespace for the metrics of the service.
func Namespace() (ns string) {
	return namespace
}

// SetUpGauge registers and sets the gauge signaling that the server has been
// started.
func SetUpGauge(
	reg prometheus.Registerer,
	version string,
	branch string,
	commitTime string,
	revision string,
	goversion string,
) (err error) {
	upGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:      "up",
		Namespace: namespace,
		Subsystem: subsystemApplication,
		Help: `A metric with a constant '1' value labeled by ` +
			`version and goversion from which the program was built.`,
		ConstLabels: prometheus.Labels{
			"version":    version,
			"branch":     branch,
			"committime": commitTime,
			"revision":   revision,
			"goversion":  goversion,
		},
	})

	err = reg.Register(upGauge)
	if err != nil {
		return fmt.Errorf("registering metrics %q: %w", "up", err)
	}

	upGauge.Set(1)

	return nil
}

// SetAdditionalInfo registers a gauge with a constant '1' value labeled by
// the extra information provided in configuration.  A nil info is a no-op.
func SetAdditionalInfo(reg prometheus.Registerer, info map[string]string) (err error) {
	if info == nil {
		return nil
	}

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:      "additional_info",
		Namespace: namespace,
		Subsystem: subsystemApplication,
		Help: `A metric with a constant '1' value labeled by additional ` +
			`info provided in configuration`,
		ConstLabels: info,
	})

	err = reg.Register(gauge)
	if err != nil {
		return fmt.Errorf("registering metrics %q: %w", "additional_info", err)
	}

	gauge.Set(1)

	return nil
}
