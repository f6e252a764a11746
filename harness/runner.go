package harness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Runner drives a fixed number of users. Each user runs its task, waits WaitTime, and repeats.
type Runner struct {
	Users     int
	SpawnRate float64       // users started per second, 0 starts everyone at once
	WaitTime  time.Duration // constant wait between tasks
	RunTime   time.Duration // 0 runs until the context is cancelled
	Factory   UserFactory
	Spawned   func() // optional, called once all users have been started
	Logger    *logrus.Entry
}

// Run constructs every user before starting any of them. A construction error aborts the run
// and is returned. Run blocks until all users have stopped.
func (r *Runner) Run(ctx context.Context) error {
	users := make([]User, 0, r.Users)
	for i := 0; i < r.Users; i++ {
		u, err := r.Factory(i)
		if err != nil {
			for _, started := range users {
				started.OnStop()
			}
			return fmt.Errorf("creating user %d: %w", i, err)
		}
		users = append(users, u)
	}
	if r.RunTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.RunTime)
		defer cancel()
	}
	r.Logger.Infof("Spawning %d users (rate %.1f/s, wait time %v)", len(users), r.SpawnRate, r.WaitTime)

	var wg sync.WaitGroup
	var spawnInterval time.Duration
	if r.SpawnRate > 0 {
		spawnInterval = time.Duration(float64(time.Second) / r.SpawnRate)
	}
	spawned := 0
spawn:
	for i, u := range users {
		if i > 0 && spawnInterval > 0 {
			select {
			case <-ctx.Done():
				break spawn
			case <-time.After(spawnInterval):
			}
		}
		wg.Add(1)
		go func(id int, u User) {
			defer wg.Done()
			r.runUser(ctx, id, u)
		}(i, u)
		spawned++
	}
	for _, u := range users[spawned:] {
		u.OnStop()
	}
	if spawned == len(users) && r.Spawned != nil {
		r.Spawned()
	}
	wg.Wait()
	r.Logger.Infof("All %d users stopped", spawned)
	return nil
}

func (r *Runner) runUser(ctx context.Context, id int, u User) {
	defer u.OnStop()
	if err := u.OnStart(ctx); err != nil {
		r.Logger.Errorf("User %d failed to start: %s", id, err)
		return
	}
	for ctx.Err() == nil {
		u.Task(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.WaitTime):
		}
	}
}
