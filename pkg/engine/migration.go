package engine

import (
	"errors"
	"fmt"
)

// Migrate copies every persona/app/key from src into dst.
// Keys that already exist in dst are left untouched so a migration can be
// re-run after a partial failure without clobbering records written since.
// It returns the number of keys copied.
func Migrate(src Store, dst Store) (int, error) {
	personas, err := src.GetPersonas()
	if err != nil {
		return 0, fmt.Errorf("failed to list personas: %w", err)
	}

	copied := 0
	for _, pID := range personas {
		apps, err := src.GetApps(pID)
		if err != nil {
			return copied, fmt.Errorf("failed to list apps for persona %s: %w", pID, err)
		}

		for _, aID := range apps {
			data, err := src.GetAppStore(pID, aID)
			if err != nil {
				return copied, fmt.Errorf("failed to dump data for app %s: %w", aID, err)
			}

			for k, v := range data {
				_, err := dst.SetIfVersion(pID, aID, k, v, 0)
				if errors.Is(err, ErrVersionConflict) {
					continue
				}
				if err != nil {
					return copied, fmt.Errorf("failed to set key %s in destination: %w", k, err)
				}
				copied++
			}
		}
	}

	return copied, nil
}
