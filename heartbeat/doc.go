// Package heartbeat keeps running tasks alive and recovers the ones whose
// worker died.
//
// # Overview
//
// A worker that claims a task starts a Sender for it. The Sender writes
// heartbeat_at on the task row at a fixed interval until it is stopped.
// Independently, every worker runs a Reaper that periodically fails running
// tasks whose heartbeat has gone stale. A crashed worker simply stops
// beating; the next sweep after the timeout fails its task so it does not
// stay running forever.
//
//	┌──────────────┐  UPDATE heartbeat_at   ┌──────────────┐
//	│    Sender    │ ─────────────────────> │  agent_tasks │
//	│ (per task)   │                        │              │
//	└──────────────┘                        └──────────────┘
//	                                               ^
//	┌──────────────┐  running AND stale → failed   │
//	│    Reaper    │ ──────────────────────────────┘
//	│ (per worker) │
//	└──────────────┘
//
// # Usage
//
//	hb, err := heartbeat.Start(ctx, heartbeat.SenderConfig{
//	    Store:    store,
//	    TaskID:   task.ID,
//	    Interval: 30 * time.Second,
//	})
//	defer hb.Stop()
//
//	reaper, _ := heartbeat.NewReaper(heartbeat.ReaperConfig{
//	    Store:   store,
//	    Timeout: 10 * time.Minute,
//	})
//	reaper.OnReclaimed(func(ids []string) { ... })
//	reaper.Start(ctx)
//
// # Recommendations
//
//   - Keep the timeout well above the interval; a single missed beat
//     (transient store error) must not get a live task reclaimed.
//   - Heartbeat failures are logged and swallowed; they never abort the
//     task being executed.
package heartbeat
