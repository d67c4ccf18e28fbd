package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/AdguardTeam/golibs/container"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/WardenTeam/WardenDNS/internal/filter"
	"github.com/prometheus/client_golang/prometheus"
)

// Filter is the Prometheus-based implementation of the [filter.Metrics]
// interface.
type Filter struct {
	rulesTotal      *prometheus.GaugeVec
	updateTimestamp *prometheus.GaugeVec
	updateStatus    *prometheus.GaugeVec
}

// NewFilter creates a new Prometheus-based filtering-engine metrics
// collector.
func NewFilter(namespace string, reg prometheus.Registerer) (m *Filter, err error) {
	const (
		rulesTotal      = "rules_total"
		updateTimestamp = "updated_timestamp"
		updateStatus    = "update_status"
	)

	m = &Filter{
		rulesTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:      rulesTotal,
			Namespace: namespace,
			Subsystem: subsystemFilter,
			Help:      "The number of rules loaded by filters.",
		}, []string{"filter"}),
		updateTimestamp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:      updateTimestamp,
			Namespace: namespace,
			Subsystem: subsystemFilter,
			Help:      "The time when the filter was last time updated.",
		}, []string{"filter"}),
		updateStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:      updateStatus,
			Namespace: namespace,
			Subsystem: subsystemFilter,
			Help:      "Status of the filter update. 1 means success.",
		}, []string{"filter"}),
	}

	var errs []error
	collectors := container.KeyValues[string, prometheus.Collector]{{
		Key:   rulesTotal,
		Value: m.rulesTotal,
	}, {
		Key:   updateTimestamp,
		Value: m.updateTimestamp,
	}, {
		Key:   updateStatus,
		Value: m.updateStatus,
	}}

	for _, c := range collectors {
		err = reg.Register(c.Value)
		if err != nil {
			errs = append(errs, fmt.Errorf("registering metrics %q: %w", c.Key, err))
		}
	}

	if err = errors.Join(errs...); err != nil {
		return nil, err
	}

	return m, nil
}

// type check
var _ filter.Metrics = (*Filter)(nil)

// SetFilterStatus implements the [filter.Metrics] interface for *Filter.
func (m *Filter) SetFilterStatus(
	_ context.Context,
	id filter.ID,
	updTime time.Time,
	ruleCount int,
	err error,
) {
	if err != nil {
		m.updateStatus.WithLabelValues(string(id)).Set(0)

		return
	}

	m.rulesTotal.WithLabelValues(string(id)).Set(float64(ruleCount))
	m.updateTimestamp.WithLabelValues(string(id)).Set(float64(updTime.Unix()))
	m.updateStatus.WithLabelValues(string(id)).Set(1)
}
