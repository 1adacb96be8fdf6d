package sdk

import (
	"encoding/json"
	"errors"
)

// --- Generics Support ---

// Decode converts a raw store value into T by re-marshaling it.
// Store values arrive as maps/slices decoded from JSON.
func Decode[T any](val any) (T, error) {
	var target T
	if v, ok := val.(T); ok {
		return v, nil
	}
	bytes, err := json.Marshal(val)
	if err != nil {
		return target, err
	}
	err = json.Unmarshal(bytes, &target)
	return target, err
}

// Get retrieves a type-safe value.
func Get[T any](s KVReader, personaID, appID, key string) (T, error) {
	val, err := s.Get(personaID, appID, key)
	if err != nil {
		var zero T
		return zero, err
	}
	return Decode[T](val)
}

// Set stores a type-safe value.
func Set[T any](s KVWriter, personaID, appID, key string, val T) error {
	return s.Set(personaID, appID, key, val)
}

// GetVersioned retrieves a type-safe value and the version it was read at.
func GetVersioned[T any](s Versioned, personaID, appID, key string) (T, uint64, error) {
	val, ver, err := s.GetVersioned(personaID, appID, key)
	if err != nil {
		var zero T
		return zero, 0, err
	}
	out, err := Decode[T](val)
	return out, ver, err
}

// Take atomically removes a key and decodes the value it held.
func Take[T any](s Versioned, personaID, appID, key string) (T, error) {
	val, err := s.Take(personaID, appID, key)
	if err != nil {
		var zero T
		return zero, err
	}
	return Decode[T](val)
}

// DecodeAll decodes every value of an app dump, skipping entries that do not fit T.
func DecodeAll[T any](raw map[string]any) map[string]T {
	out := make(map[string]T, len(raw))
	for k, v := range raw {
		t, err := Decode[T](v)
		if err != nil {
			continue
		}
		out[k] = t
	}
	return out
}

// --- App Scope ---

// App returns a scope that "pins" a persona and app.
func App(s Store, personaID, appID string) *AppScope {
	return &AppScope{store: s, personaID: personaID, appID: appID}
}

// AppScope is a scoped view that remembers its persona and application IDs.
type AppScope struct {
	store     Store
	personaID string
	appID     string
}

// Get retrieves a value using the scoped persona and app.
func (a *AppScope) Get(key string) (any, error) {
	return a.store.Get(a.personaID, a.appID, key)
}

// Set stores a value using the scoped persona and app.
func (a *AppScope) Set(key string, val any) error {
	return a.store.Set(a.personaID, a.appID, key, val)
}

// Insert stores a value only if the key does not exist yet.
func (a *AppScope) Insert(key string, val any) error {
	_, err := a.store.SetIfVersion(a.personaID, a.appID, key, val, 0)
	return err
}

// Take atomically removes a key using the scoped persona and app.
func (a *AppScope) Take(key string) (any, error) {
	return a.store.Take(a.personaID, a.appID, key)
}

// Delete removes a key using the scoped persona and app.
func (a *AppScope) Delete(key string) error {
	return a.store.Delete(a.personaID, a.appID, key)
}

// All returns every key/value of the scoped app; a missing app is empty.
func (a *AppScope) All() (map[string]any, error) {
	data, err := a.store.GetAppStore(a.personaID, a.appID)
	if errors.Is(err, ErrAppNotFound) || errors.Is(err, ErrPersonaNotFound) {
		return map[string]any{}, nil
	}
	return data, err
}
