package twin

import (
	"context"
	"sync"
)

// Mock is an in-memory twin used when no OPC UA server is available. It
// keeps the same buffered update/commit discipline as the real client.
type Mock struct {
	mu      sync.Mutex
	pending map[string]interface{}
	table   map[string]interface{}
}

var _ Client = (*Mock)(nil)

// NewMock creates an in-memory twin.
func NewMock() *Mock {
	return &Mock{
		pending: make(map[string]interface{}),
		table:   make(map[string]interface{}),
	}
}

func (m *Mock) Connect(ctx context.Context) error { return nil }

func (m *Mock) UpdatePrinter(name string, snap *PrinterSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for attr, value := range snap.attributes() {
		m.pending[name+"."+attr] = value
	}
}

func (m *Mock) Commit(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for node, value := range m.pending {
		m.table[node] = value
	}
	m.pending = make(map[string]interface{})
	return nil
}

func (m *Mock) Close(ctx context.Context) error { return nil }

// Get returns a committed attribute value, e.g. Get("Printer1.state").
func (m *Mock) Get(node string) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.table[node]
	return v, ok
}
