//go:build cgo && !nosqlite

package storage

func NewDefaultAttributeStoreForDir(dir string) (AttributeStore, error) {
	return NewSqliteAttributeStore(dir)
}
