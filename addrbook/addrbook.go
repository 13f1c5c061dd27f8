// Package addrbook accumulates the peer endpoints advertised in endpoints
// messages. Entries are keyed by address, so re-advertisements are cheap
// no-ops and the book only ever grows with genuinely new peers.
package addrbook

import (
	"fmt"

	"github.com/probelab/synthpeer/wire"
	"github.com/renproject/kv"
)

// A Book stores advertised endpoints. All methods are safe for concurrent
// use; the underlying table provides the synchronisation.
type Book struct {
	table kv.Table
}

// New returns a Book backed by the given table.
func New(table kv.Table) *Book {
	if table == nil {
		panic("invariant violation: table cannot be nil")
	}
	return &Book{table: table}
}

// NewInMem returns a Book backed by an in-memory table.
func NewInMem() *Book {
	return New(kv.NewTable(kv.NewMemDB(kv.GobCodec), "addrbook"))
}

// Insert an advertised endpoint. It returns true when the endpoint's address
// was not previously known. Known addresses keep their original entry, so a
// peer cannot reset the hop count by re-advertising.
func (book *Book) Insert(endpoint wire.Endpoint) (bool, error) {
	existing := wire.Endpoint{}
	err := book.table.Get(endpoint.Addr, &existing)
	if err == nil {
		return false, nil
	}
	if err != kv.ErrKeyNotFound {
		return false, fmt.Errorf("looking up endpoint %q: %v", endpoint.Addr, err)
	}
	if err := book.table.Insert(endpoint.Addr, endpoint); err != nil {
		return false, fmt.Errorf("inserting endpoint %q: %v", endpoint.Addr, err)
	}
	return true, nil
}

// Get returns the stored endpoint for an address, if known.
func (book *Book) Get(addr string) (wire.Endpoint, bool, error) {
	endpoint := wire.Endpoint{}
	err := book.table.Get(addr, &endpoint)
	if err == kv.ErrKeyNotFound {
		return wire.Endpoint{}, false, nil
	}
	if err != nil {
		return wire.Endpoint{}, false, fmt.Errorf("looking up endpoint %q: %v", addr, err)
	}
	return endpoint, true, nil
}

// Endpoints returns every stored endpoint, in no particular order.
func (book *Book) Endpoints() ([]wire.Endpoint, error) {
	size, err := book.table.Size()
	if err != nil {
		return nil, fmt.Errorf("sizing address book: %v", err)
	}
	endpoints := make([]wire.Endpoint, 0, size)
	iter := book.table.Iterator()
	for iter.Next() {
		endpoint := wire.Endpoint{}
		if err := iter.Value(&endpoint); err != nil {
			return nil, fmt.Errorf("iterating address book: %v", err)
		}
		endpoints = append(endpoints, endpoint)
	}
	return endpoints, nil
}

// Num returns the number of stored endpoints.
func (book *Book) Num() (int, error) {
	return book.table.Size()
}
