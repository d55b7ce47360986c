// Package shutdown coordinates graceful shutdown of a worker process.
//
// On SIGTERM or SIGINT the coordinator runs registered handlers in phase
// order. A worker registers, in order:
//
//	PhaseStopClaims   engine.Stop         no new claims
//	PhaseDrain        engine.Wait(grace)  in-flight task finishes, heartbeat keeps it alive
//	PhaseBackground   reaper, relay
//	PhaseServer       HTTP server
//	PhaseConnections  bus, pgx pool, tracer provider
//
// In-flight tasks are never aborted; the drain phase only waits. A task
// still running when the process exits is recovered later by another
// worker's reaper once its heartbeat goes stale.
//
// # Usage
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	coord.RegisterFunc("engine", shutdown.PhaseStopClaims, func(ctx context.Context) error {
//	    eng.Stop()
//	    return nil
//	})
//	coord.HandleSignals()
//	<-coord.Done()
//
// A second signal during shutdown exits immediately.
package shutdown
