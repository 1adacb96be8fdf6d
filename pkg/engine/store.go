// Package engine defines the core storage engine for the ledger store.
package engine

import (
	"errors"
	"fmt"
	"unicode"
)

var (
	// ErrPersonaNotFound is returned when a requested persona does not exist.
	ErrPersonaNotFound = errors.New("persona not found")
	// ErrAppNotFound is returned when a requested app does not exist within a persona.
	ErrAppNotFound = errors.New("app not found")
	// ErrKeyNotFound is returned when a requested key does not exist within an app.
	ErrKeyNotFound = errors.New("key not found")
	// ErrVersionConflict is returned by SetIfVersion when the stored version
	// no longer matches the expected one.
	ErrVersionConflict = errors.New("version conflict")
	// ErrInvalidName is returned for a persona, app or key that cannot be
	// carried as a single protocol field.
	ErrInvalidName = errors.New("invalid name")
)

// ValidateNames rejects empty names and names holding whitespace or control
// characters. Persona, app and key ids travel as space separated fields of a
// newline terminated command, so either would split or end the command.
func ValidateNames(names ...string) error {
	for _, n := range names {
		if n == "" {
			return fmt.Errorf("%w: empty", ErrInvalidName)
		}
		for _, r := range n {
			if unicode.IsSpace(r) || unicode.IsControl(r) {
				return fmt.Errorf("%w: %q", ErrInvalidName, n)
			}
		}
	}
	return nil
}

// SystemPersona is the reserved ID for global/system-level data.
const SystemPersona = "_system"

// Store is the contract shared by the embedded engine and the remote client.
// It mirrors sdk.Store; it is declared here so the engine does not depend on the SDK.
type Store interface {
	Get(personaID, appID, key string) (any, error)
	Set(personaID, appID, key string, val any) error
	Delete(personaID, appID, key string) error

	// GetVersioned returns the value together with its current version.
	GetVersioned(personaID, appID, key string) (any, uint64, error)
	// SetIfVersion writes val only if the key is still at version expected.
	// An expected version of 0 means the key must not exist yet.
	SetIfVersion(personaID, appID, key string, val any, expected uint64) (uint64, error)
	// Take deletes the key and returns the value it held. Exactly one of
	// several concurrent callers observes the value.
	Take(personaID, appID, key string) (any, error)

	GetApps(personaID string) ([]string, error)
	GetPersonas() ([]string, error)
	GetAppStore(personaID, appID string) (map[string]any, error)
	DumpApp(appID string) (map[string]map[string]any, error)
	GetGlobal(appID, key string) (any, string, error)
	Move(srcPersona, dstPersona, appID, key string) error
}
