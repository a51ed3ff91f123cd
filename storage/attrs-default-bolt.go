// Bolt is available, and sqlite is not.
//go:build !noboltdb && (!cgo || nosqlite) && !wasm

package storage

func NewDefaultAttributeStoreForDir(dir string) (AttributeStore, error) {
	return NewBoltAttributeStore(dir)
}
