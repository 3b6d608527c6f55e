// Package event provides a synchronous pub-sub bus for iolink diagnostics.
//
// The lock manager, the completion dispatcher and the firmware simulator
// publish events here; the monitor and the stress harness subscribe. Nothing
// on the lock or remote-call paths depends on a subscriber being present.
//
// # Event Types
//
//   - lock.misuse: a release by a non-owner was rejected
//   - lock.yield: a callback drain stopped to let parked callers in
//   - rpc.completed / rpc.orphaned: command-complete delivery
//   - transfer.completed: transfer-complete signal
//   - interrupt.raised: a device interrupt from the companion processor
//   - config.reloaded: the config file changed on disk
//
// # Thread Safety
//
// [Bus] is safe for concurrent use. Handlers are called synchronously on the
// publishing goroutine and are protected against panics.
//
//	bus := event.NewBus(logger)
//	id := bus.Subscribe(event.TypeLockMisuse, func(e event.Event) {
//	    m := e.(event.LockMisuseEvent)
//	    fmt.Println(m.Lock, m.Actor)
//	})
//	defer bus.Unsubscribe(id)
package event
