//go:build cgo && !nosqlite

package storage

import (
	"path/filepath"
	"sync"

	g "github.com/anacrolix/generics"
	sqlite "github.com/go-llsqlite/adapter"
	"github.com/go-llsqlite/adapter/sqlitex"
)

type sqliteAttributeStore struct {
	mu sync.Mutex
	db *sqlite.Conn
}

var _ AttributeStore = (*sqliteAttributeStore)(nil)

func NewSqliteAttributeStore(dir string) (_ AttributeStore, err error) {
	p := filepath.Join(dir, ".piecestore.db")
	db, err := sqlite.OpenConn(p, 0)
	if err != nil {
		return
	}
	err = sqlitex.ExecScript(db, `create table if not exists attribute(namespace, name, value, unique(namespace, name))`)
	if err != nil {
		db.Close()
		return
	}
	return &sqliteAttributeStore{db: db}, nil
}

func (me *sqliteAttributeStore) Get(namespace, name string) (ret g.Option[[]byte], err error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	err = sqlitex.Exec(
		me.db, `select value from attribute where namespace=? and name=?`,
		func(stmt *sqlite.Stmt) error {
			b := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, b)
			ret.Set(b)
			return nil
		},
		namespace, name)
	return
}

func (me *sqliteAttributeStore) setLocked(namespace, name string, value []byte) error {
	return sqlitex.Exec(
		me.db,
		`insert or replace into attribute(namespace, name, value) values(?, ?, ?)`,
		nil,
		namespace, name, value)
}

func (me *sqliteAttributeStore) Set(namespace, name string, value []byte) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.setLocked(namespace, name, value)
}

func (me *sqliteAttributeStore) SetBatch(namespace string, values map[string][]byte) (err error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	err = sqlitex.Exec(me.db, `begin immediate`, nil)
	if err != nil {
		return
	}
	for name, v := range values {
		err = me.setLocked(namespace, name, v)
		if err != nil {
			sqlitex.Exec(me.db, `rollback`, nil)
			return
		}
	}
	return sqlitex.Exec(me.db, `commit`, nil)
}

func (me *sqliteAttributeStore) Close() error {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.db.Close()
}
