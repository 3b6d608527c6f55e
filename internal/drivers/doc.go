// Package drivers holds the device drivers layered on the lock registry and
// the RPC bridge.
//
// Drivers in caller-context take their domain lock with an interruptible
// acquire, issue blocking remote calls, release, and yield when other callers
// are parked. Drivers in interrupt context take the lock with a callback
// request and finish their work from a completion callback.
package drivers
