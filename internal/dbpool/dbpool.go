// Package dbpool hands out database/sql pools keyed by connection string.
// database/sql already pools connections per handle; keeping one handle per
// connection string for the process lifetime is what makes that pooling work
// across messages.
package dbpool

import (
	"database/sql"
	"fmt"
	"sync"

	// Registers the "sqlserver" driver used by every resolved connection string.
	_ "github.com/microsoft/go-mssqldb"
)

const driverName = "sqlserver"

// Pool caches *sql.DB handles by connection string.
type Pool struct {
	mu      sync.Mutex
	handles map[string]*sql.DB
	open    func(driver, conn string) (*sql.DB, error)
}

// New constructs an empty Pool.
func New() *Pool {
	return &Pool{
		handles: make(map[string]*sql.DB),
		open:    sql.Open,
	}
}

// Get returns the pooled handle for conn, opening it on first use.
func (p *Pool) Get(conn string) (*sql.DB, error) {
	if conn == "" {
		return nil, fmt.Errorf("dbpool: connection string is empty")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if db, ok := p.handles[conn]; ok {
		return db, nil
	}
	db, err := p.open(driverName, conn)
	if err != nil {
		return nil, fmt.Errorf("dbpool: open: %w", err)
	}
	p.handles[conn] = db
	return db, nil
}

// Put registers an externally constructed handle for conn, replacing any
// cached one. Used by tests to install mock databases.
func (p *Pool) Put(conn string, db *sql.DB) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handles[conn] = db
}

// Close closes every pooled handle, keeping the first error.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for conn, db := range p.handles {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.handles, conn)
	}
	return firstErr
}
