package sdk

import (
	"errors"

	"github.com/celerix-dev/celerix-rewards/pkg/engine"
)

// The SDK reuses the engine's sentinel errors so callers can match them with
// errors.Is regardless of whether the store is embedded or remote.
var (
	ErrPersonaNotFound = engine.ErrPersonaNotFound
	ErrAppNotFound     = engine.ErrAppNotFound
	ErrKeyNotFound     = engine.ErrKeyNotFound
	ErrVersionConflict = engine.ErrVersionConflict
	ErrInvalidName     = engine.ErrInvalidName

	// ErrIndeterminate is returned when a mutating command reached the wire but
	// no reply came back. The write may or may not have been applied.
	ErrIndeterminate = errors.New("store write outcome unknown")
)

// SystemPersona is the reserved ID for global/system-level data.
const SystemPersona = engine.SystemPersona

// --- Functional Interfaces (Interface Segregation) ---

// KVReader defines the basic read operations for the store.
type KVReader interface {
	Get(personaID, appID, key string) (any, error)
}

// KVWriter defines the basic write and delete operations for the store.
type KVWriter interface {
	Set(personaID, appID, key string, val any) error
	Delete(personaID, appID, key string) error
}

// Versioned exposes the atomic primitives: optimistic compare-and-swap keyed
// on a version, and an atomic conditional delete.
type Versioned interface {
	GetVersioned(personaID, appID, key string) (any, uint64, error)
	SetIfVersion(personaID, appID, key string, val any, expected uint64) (uint64, error)
	Take(personaID, appID, key string) (any, error)
}

// AppEnumeration allows discovering personas and apps.
type AppEnumeration interface {
	GetPersonas() ([]string, error)
	GetApps(personaID string) ([]string, error)
}

// BatchExporter allows retrieving bulk data.
type BatchExporter interface {
	GetAppStore(personaID, appID string) (map[string]any, error)
	DumpApp(appID string) (map[string]map[string]any, error)
}

// GlobalSearcher allows searching for keys across all personas.
type GlobalSearcher interface {
	GetGlobal(appID, key string) (any, string, error)
}

// Orchestrator handles higher-level data operations like moves.
type Orchestrator interface {
	Move(srcPersona, dstPersona, appID, key string) error
}

// --- Composite Interfaces ---

// Store is the primary interface for interacting with the data store.
// Both engine.MemStore and the remote Client satisfy it.
type Store interface {
	KVReader
	KVWriter
	Versioned
	AppEnumeration
	BatchExporter
	GlobalSearcher
	Orchestrator
}

var (
	_ Store = (*engine.MemStore)(nil)
	_ Store = (*Client)(nil)
)
