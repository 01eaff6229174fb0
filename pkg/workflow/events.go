package workflow

import (
	"time"

	"github.com/ethpandaops/geostore/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// EventType identifies a lifecycle event.
type EventType string

// Lifecycle events.
const (
	EventExecutionStarted   EventType = "ExecutionStarted"
	EventStateEntered       EventType = "StateEntered"
	EventStateExited        EventType = "StateExited"
	EventExecutionSucceeded EventType = "ExecutionSucceeded"
	EventExecutionFailed    EventType = "ExecutionFailed"
	EventExecutionAborted   EventType = "ExecutionAborted"
)

// Event is delivered to observers.
type Event struct {
	Type   EventType
	ARN    string
	RunKey string
	State  string
	Error  string
	Cause  string
	Time   time.Time
}

// Observer receives lifecycle events. Observers are called synchronously
// from the execution goroutine and must not block.
type Observer interface {
	OnEvent(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

// OnEvent calls f.
func (f ObserverFunc) OnEvent(ev Event) {
	f(ev)
}

// NewLogObserver logs every event.
func NewLogObserver(log logrus.FieldLogger) Observer {
	log = log.WithField("component", "workflow-events")

	return ObserverFunc(func(ev Event) {
		entry := log.WithFields(logrus.Fields{
			"event":         ev.Type,
			"execution_arn": ev.ARN,
		})

		if ev.State != "" {
			entry = entry.WithField("state", ev.State)
		}

		switch ev.Type {
		case EventExecutionFailed:
			entry.WithFields(logrus.Fields{
				"error": ev.Error,
				"cause": ev.Cause,
			}).Warn("Execution failed")
		case EventExecutionAborted:
			entry.WithField("cause", ev.Cause).Warn("Execution aborted")
		case EventExecutionSucceeded:
			entry.Info("Execution succeeded")
		case EventExecutionStarted:
			entry.Info("Execution started")
		default:
			entry.Debug("Workflow event")
		}
	})
}

// NewMetricsObserver updates the execution metrics.
func NewMetricsObserver() Observer {
	return ObserverFunc(func(ev Event) {
		switch ev.Type {
		case EventExecutionStarted:
			metrics.ExecutionStarted()
		case EventStateEntered:
			metrics.IncreaseStatesEntered(ev.State)
		case EventExecutionSucceeded:
			metrics.ExecutionStopped()
			metrics.IncreaseExecutionsTotal("SUCCEEDED")
		case EventExecutionFailed:
			metrics.ExecutionStopped()
			metrics.IncreaseExecutionsTotal("FAILED")
		case EventExecutionAborted:
			metrics.ExecutionStopped()
			metrics.IncreaseExecutionsTotal("ABORTED")
		}
	})
}
