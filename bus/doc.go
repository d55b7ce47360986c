// Package bus provides the pub/sub wake channel between producers and workers.
//
// Producers notify a subject after inserting work; workers and the live
// update relay subscribe. Delivery is best-effort: a dropped notification
// only costs latency, because the scheduler also polls.
//
// # Available Implementations
//
//   - PostgresBus: LISTEN/NOTIFY on the task database. The agent_tasks insert
//     trigger already notifies new_task, so producers need no extra step.
//   - NATSBus: NATS subjects, for deployments that already run NATS.
//   - MemoryBus: in-process fan-out for tests and single-process runs.
//
// # Usage
//
//	sub, err := b.Subscribe(bus.SubjectNewTask)
//	if err != nil {
//	    // run without push wake-ups
//	}
//	for msg := range sub.Messages() {
//	    // wake the scheduler
//	}
//
// Messages that arrive while a subscriber's buffer is full are dropped.
package bus
