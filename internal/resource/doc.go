// Package resource samples system load (CPU, memory, temperature, battery)
// on a fixed interval and derives the throttle signal and performance
// profile consumed by the dispatcher's admission policy.
//
// Sampling never runs synchronously on submission paths: readers get the
// last snapshot via an atomic swap. A failed sample keeps the previous
// snapshot (stale data preferred over blocking).
package resource
