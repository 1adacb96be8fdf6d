package engine

import (
	"encoding/json"
	"fmt"
	"sync"
)

type entry struct {
	val any
	ver uint64
}

// MemStore is the thread-safe versioned engine.
// Every write takes a fresh version from a single sequence, so a key that is
// deleted and written again never repeats a version.
type MemStore struct {
	mu sync.RWMutex
	// Structure: [personaID][appID][key]entry
	data      map[string]map[string]map[string]entry
	seq       uint64
	persister *Persistence
	wg        sync.WaitGroup
}

// NewMemStore initializes a store.
// It accepts existing data (from LoadAll) and a persister.
func NewMemStore(initialData map[string]map[string]map[string]any, p *Persistence) *MemStore {
	m := &MemStore{
		data:      make(map[string]map[string]map[string]entry),
		persister: p,
	}
	for pID, apps := range initialData {
		for aID, keys := range apps {
			for k, v := range keys {
				m.seq++
				m.bucket(pID, aID)[k] = entry{val: v, ver: m.seq}
			}
		}
	}
	return m
}

// Wait waits for all background persistence tasks to complete.
func (m *MemStore) Wait() {
	m.wg.Wait()
}

// normalize round-trips a value through JSON so that the engine never
// shares memory with callers and hands out the same shapes a remote client decodes.
func normalize(val any) (any, error) {
	raw, err := json.Marshal(val)
	if err != nil {
		return nil, fmt.Errorf("value is not json encodable: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// bucket returns the key map for a persona/app, creating it when needed.
// It MUST be called while holding m.mu.Lock.
func (m *MemStore) bucket(personaID, appID string) map[string]entry {
	if m.data[personaID] == nil {
		m.data[personaID] = make(map[string]map[string]entry)
	}
	if m.data[personaID][appID] == nil {
		m.data[personaID][appID] = make(map[string]entry)
	}
	return m.data[personaID][appID]
}

// lookup must be called while holding m.mu (read or write).
func (m *MemStore) lookup(personaID, appID, key string) (entry, error) {
	persona, ok := m.data[personaID]
	if !ok {
		return entry{}, ErrPersonaNotFound
	}
	app, ok := persona[appID]
	if !ok {
		return entry{}, ErrAppNotFound
	}
	e, ok := app[key]
	if !ok {
		return entry{}, ErrKeyNotFound
	}
	return e, nil
}

func (m *MemStore) Get(personaID, appID, key string) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, err := m.lookup(personaID, appID, key)
	if err != nil {
		return nil, err
	}
	return e.val, nil
}

func (m *MemStore) GetVersioned(personaID, appID, key string) (any, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, err := m.lookup(personaID, appID, key)
	if err != nil {
		return nil, 0, err
	}
	return e.val, e.ver, nil
}

func (m *MemStore) Set(personaID, appID, key string, val any) error {
	v, err := normalize(val)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.seq++
	m.bucket(personaID, appID)[key] = entry{val: v, ver: m.seq}
	m.persistLocked(personaID)
	return nil
}

func (m *MemStore) SetIfVersion(personaID, appID, key string, val any, expected uint64) (uint64, error) {
	v, err := normalize(val)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	var current uint64
	if e, err := m.lookup(personaID, appID, key); err == nil {
		current = e.ver
	}
	if current != expected {
		m.mu.Unlock()
		return 0, ErrVersionConflict
	}

	m.seq++
	ver := m.seq
	m.bucket(personaID, appID)[key] = entry{val: v, ver: ver}
	m.persistLocked(personaID)
	return ver, nil
}

func (m *MemStore) Take(personaID, appID, key string) (any, error) {
	m.mu.Lock()
	e, err := m.lookup(personaID, appID, key)
	if err != nil {
		m.mu.Unlock()
		return nil, ErrKeyNotFound
	}
	delete(m.data[personaID][appID], key)
	m.seq++
	m.persistLocked(personaID)
	return e.val, nil
}

func (m *MemStore) Delete(personaID, appID, key string) error {
	m.mu.Lock()
	if p, ok := m.data[personaID]; ok {
		if a, ok := p[appID]; ok {
			delete(a, key)
		}
	}
	m.seq++
	m.persistLocked(personaID)
	return nil
}

// persistLocked snapshots the persona, releases m.mu and saves in the background.
// It MUST be called while holding m.mu.Lock; it unlocks before returning.
func (m *MemStore) persistLocked(personaID string) {
	if m.persister == nil {
		m.mu.Unlock()
		return
	}
	snapshot := m.copyPersonaData(personaID)
	rev := m.seq
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.persister.SavePersona(personaID, rev, snapshot)
	}()
}

// copyPersonaData creates a copy of a persona's values.
// It MUST be called while holding m.mu.Lock or m.mu.RLock.
func (m *MemStore) copyPersonaData(personaID string) map[string]map[string]any {
	original, ok := m.data[personaID]
	if !ok {
		return nil
	}

	personaCopy := make(map[string]map[string]any)
	for appID, appData := range original {
		appCopy := make(map[string]any)
		for k, e := range appData {
			appCopy[k] = e.val
		}
		personaCopy[appID] = appCopy
	}
	return personaCopy
}

func (m *MemStore) GetPersonas() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var list []string
	for id := range m.data {
		list = append(list, id)
	}
	return list, nil
}

func (m *MemStore) GetApps(personaID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var list []string
	if apps, ok := m.data[personaID]; ok {
		for appID := range apps {
			list = append(list, appID)
		}
	}
	return list, nil
}

func (m *MemStore) GetAppStore(personaID, appID string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if p, ok := m.data[personaID]; ok {
		if a, ok := p[appID]; ok {
			out := make(map[string]any, len(a))
			for k, e := range a {
				out[k] = e.val
			}
			return out, nil
		}
	}
	return nil, ErrAppNotFound
}

func (m *MemStore) DumpApp(appID string) (map[string]map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]map[string]any)
	for personaID, apps := range m.data {
		a, ok := apps[appID]
		if !ok || len(a) == 0 {
			continue
		}
		keys := make(map[string]any, len(a))
		for k, e := range a {
			keys[k] = e.val
		}
		out[personaID] = keys
	}
	return out, nil
}

func (m *MemStore) GetGlobal(appID, key string) (any, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for personaID, apps := range m.data {
		if a, ok := apps[appID]; ok {
			if e, ok := a[key]; ok {
				return e.val, personaID, nil
			}
		}
	}
	return nil, "", ErrKeyNotFound
}

func (m *MemStore) Move(srcPersona, dstPersona, appID, key string) error {
	m.mu.Lock()
	e, err := m.lookup(srcPersona, appID, key)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	delete(m.data[srcPersona][appID], key)
	m.seq++
	m.bucket(dstPersona, appID)[key] = entry{val: e.val, ver: m.seq}
	m.persistLocked(srcPersona)

	m.mu.Lock()
	m.persistLocked(dstPersona)
	return nil
}
