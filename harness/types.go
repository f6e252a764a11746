// Package harness is the load-test side of the house: it spawns users, ticks their task on a
// constant wait time and aggregates the request events the users fire.
package harness

import (
	"context"
	"time"
)

// Event is a single request measurement reported by a user.
type Event struct {
	RequestType        string
	Name               string
	ResponseTimeMillis int
	ResponseLength     int
	Success            bool
	Err                error
	Time               time.Time
	User               int
}

// Events is where users report what happened. Fire must not block.
type Events interface {
	Fire(Event)
}

// Listener consumes events dispatched by the EventBus.
type Listener interface {
	OnEvent(Event)
}

type ListenerFunc func(Event)

func (f ListenerFunc) OnEvent(e Event) {
	f(e)
}

// User is one virtual user. OnStart is called once before the first Task,
// OnStop once when the run is over.
type User interface {
	OnStart(ctx context.Context) error
	Task(ctx context.Context)
	OnStop()
}

// UserFactory builds user number id. Errors are fatal to the whole run.
type UserFactory func(id int) (User, error)
