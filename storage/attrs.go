package storage

import (
	"os"

	"github.com/anacrolix/log"
)

// Opens the default persistent attribute store in dir, falling back to memory.
func AttributeStoreForDir(dir string) (ret AttributeStore) {
	// The sqlite store expects the directory to exist.
	os.MkdirAll(dir, 0o700)
	ret, err := NewDefaultAttributeStoreForDir(dir)
	if err != nil {
		log.Levelf(log.Warning, "couldn't open attribute store in %q: %s", dir, err)
		ret = NewMapAttributeStore()
	}
	return
}
