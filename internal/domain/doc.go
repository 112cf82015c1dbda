// Package domain defines the realtime event model and the contracts shared
// between the registry, the distribution worker and the adapters.
//
// Concept-oriented files (event.go, payload.go, channel.go, changesource.go,
// transport.go) hold types and interfaces only, plus the small pure helpers
// that belong to them (frame encoding, channel matching).
package domain
