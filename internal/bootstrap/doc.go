// Package bootstrap owns dependency-ordered subsystem startup.
//
// Ownership boundary:
// - subsystem registration and graph validation
//
// - scheduling order (CRITICAL-ready before STANDARD-ready)
//
// - per-subsystem failure boundary and run report
//
// A failed subsystem only fails the subsystems that depend on it. CRITICAL
// subsystems may depend only on other CRITICAL subsystems, so baseline safety
// behavior never waits on optional feature logic.
package bootstrap
