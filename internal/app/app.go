package app

import (
	"context"
	"log/slog"
)

// App runs every background loop this core owns: the pending-drain sweeper,
// the stuck-task reclaimer, and the heartbeat reconciler. Task creation and
// cancellation are out of scope for this process — they are called directly
// by the (out-of-scope) caller that persists a task, via Dispatcher.Dispatch
// and Dispatcher.Cancel as a library.
type App struct {
	di *dependencyInjector
}

func New() *App {
	return &App{di: newDI()}
}

// Run blocks until ctx is cancelled, then waits for every background loop to
// return before returning itself.
func (a *App) Run(ctx context.Context) error {
	a.di.Logger()

	d := a.di.Dispatcher(ctx)
	r := a.di.Reconciler(ctx)

	done := make(chan struct{}, 3)
	go func() { defer func() { done <- struct{}{} }(); d.RunPendingDrain(ctx) }()
	go func() { defer func() { done <- struct{}{} }(); d.RunStuckReclaimer(ctx) }()
	go func() { defer func() { done <- struct{}{} }(); r.Run(ctx) }()

	slog.Info("dispatchcore running")
	<-ctx.Done()
	slog.Info("dispatchcore shutting down")

	for i := 0; i < 3; i++ {
		<-done
	}
	return nil
}
