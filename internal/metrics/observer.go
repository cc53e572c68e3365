package metrics

import "time"

// Observer records engine and state coordinator activity as Prometheus
// metrics. It satisfies hooks.Observer and state.Observer.
type Observer struct{}

func NewObserver() *Observer {
	return &Observer{}
}

func (*Observer) EmitQueued(string) {
	emitQueued.Inc()
}

func (*Observer) EmitDropped(_ string, reason string) {
	emitDropped.WithLabelValues(reason).Inc()
}

func (*Observer) QueueDepth(depth int) {
	emitQueueDepth.Set(float64(depth))
}

func (*Observer) DispatchCompleted(hook string, _ int, duration time.Duration) {
	dispatchTotal.WithLabelValues(hook).Inc()
	dispatchDuration.WithLabelValues(hook).Observe(duration.Seconds())
}

func (*Observer) DispatchRefused(hook string) {
	dispatchRefused.WithLabelValues(hook).Inc()
}

func (*Observer) HandlerFailed(plugin, hook string) {
	handlerFailures.WithLabelValues(plugin, hook).Inc()
}

func (*Observer) Transition(from, to string) {
	stateTransitions.WithLabelValues(from, to).Inc()
}

func (*Observer) WaitersChanged(delta int) {
	stateWaiters.Add(float64(delta))
}

func (*Observer) WaitFinished(outcome string) {
	stateWaits.WithLabelValues(outcome).Inc()
}
