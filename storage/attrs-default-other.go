// Neither bolt nor sqlite is available.
//go:build (!cgo || nosqlite) && (noboltdb || wasm)

package storage

import "errors"

func NewDefaultAttributeStoreForDir(dir string) (AttributeStore, error) {
	return nil, errors.New("no persistent attribute store available")
}
