package prometheus

import (
	"context"
	"errors"
	"fmt"

	"github.com/grainflow/grainflow/pkg/actor"
	"github.com/grainflow/grainflow/pkg/core"
	"github.com/grainflow/grainflow/pkg/eventlog"
	"github.com/grainflow/grainflow/pkg/machine"
)

// Observer is an actor observer that counts transitions and errors. Attach
// one per adapter via actor.Config.Observer, sharing a Metrics set.
type Observer struct {
	grainType string
	metrics   *Metrics
}

// NewObserver creates an observer for one grain type. A nil metrics set
// uses the process-wide one.
func NewObserver(grainType string, m *Metrics) *Observer {
	if m == nil {
		m = GetMetrics()
	}
	return &Observer{grainType: grainType, metrics: m}
}

func (o *Observer) OnTransition(ctx context.Context, entityID string, ev *eventlog.TransitionEvent) {
	o.metrics.TransitionsTotal.WithLabelValues(o.grainType, ev.Trigger).Inc()
}

func (o *Observer) OnError(ctx context.Context, entityID string, err error) {
	o.metrics.RecordTransitionError(o.grainType, errorCode(err))
}

func errorCode(err error) string {
	var merr *machine.Error
	if errors.As(err, &merr) {
		return merr.Code.String()
	}
	var cerr *core.Error
	if errors.As(err, &cerr) {
		return cerr.Code
	}
	return fmt.Sprintf("%T", err)
}

var _ actor.Observer = (*Observer)(nil)
