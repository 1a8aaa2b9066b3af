package twin

import (
	"context"
	"fmt"
	"sync"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
)

// Opcua writes printer snapshots to an OPC UA server. One instance is shared
// by all workers; buffered writes are flushed as a single WriteRequest.
type Opcua struct {
	endpoint  string
	namespace string

	mu      sync.Mutex
	client  *opcua.Client
	nsIndex uint16
	pending []*ua.WriteValue
}

var _ Client = (*Opcua)(nil)

// NewOpcua creates a twin client for an opc.tcp:// endpoint. The namespace
// URI is resolved to its index during Connect.
func NewOpcua(endpoint, namespace string) *Opcua {
	return &Opcua{endpoint: endpoint, namespace: namespace}
}

// Connect dials the server and resolves the configured namespace URI.
// Idempotent: reconnecting over an open client is a no-op.
func (o *Opcua) Connect(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.client != nil {
		return nil
	}

	client, err := opcua.NewClient(o.endpoint, opcua.SecurityMode(ua.MessageSecurityModeNone))
	if err != nil {
		return fmt.Errorf("failed to create opcua client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to opcua server %s: %w", o.endpoint, err)
	}

	nsIndex, err := findNamespace(ctx, client, o.namespace)
	if err != nil {
		client.Close(ctx)
		return err
	}

	o.client = client
	o.nsIndex = nsIndex
	return nil
}

func findNamespace(ctx context.Context, client *opcua.Client, uri string) (uint16, error) {
	resp, err := client.Read(ctx, &ua.ReadRequest{
		NodesToRead: []*ua.ReadValueID{{
			NodeID:      ua.NewNumericNodeID(0, id.Server_NamespaceArray),
			AttributeID: ua.AttributeIDValue,
		}},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read namespace array: %w", err)
	}
	if len(resp.Results) == 0 || resp.Results[0].Value == nil {
		return 0, fmt.Errorf("empty namespace array response")
	}

	namespaces, ok := resp.Results[0].Value.Value().([]string)
	if !ok {
		return 0, fmt.Errorf("unexpected namespace array type")
	}
	for i, ns := range namespaces {
		if ns == uri {
			return uint16(i), nil
		}
	}
	return 0, fmt.Errorf("namespace %q not found on server", uri)
}

// UpdatePrinter buffers one write per twin attribute. Attribute nodes are
// addressed as string node ids "<name>.<attribute>".
func (o *Opcua) UpdatePrinter(name string, snap *PrinterSnapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for attr, value := range snap.attributes() {
		variant, err := ua.NewVariant(value)
		if err != nil {
			continue
		}
		o.pending = append(o.pending, &ua.WriteValue{
			NodeID:      ua.NewStringNodeID(o.nsIndex, name+"."+attr),
			AttributeID: ua.AttributeIDValue,
			Value: &ua.DataValue{
				EncodingMask: ua.DataValueValue,
				Value:        variant,
			},
		})
	}
}

// Commit flushes buffered writes in one request. The buffer is cleared even
// when the write fails: the next tick produces fresh values anyway.
func (o *Opcua) Commit(ctx context.Context) error {
	o.mu.Lock()
	writes := o.pending
	o.pending = nil
	client := o.client
	o.mu.Unlock()

	if len(writes) == 0 {
		return nil
	}
	if client == nil {
		return fmt.Errorf("opcua twin is not connected")
	}

	resp, err := client.Write(ctx, &ua.WriteRequest{NodesToWrite: writes})
	if err != nil {
		return fmt.Errorf("opcua write failed: %w", err)
	}
	for _, result := range resp.Results {
		if result != ua.StatusOK {
			return fmt.Errorf("opcua write rejected: %v", result)
		}
	}
	return nil
}

// Close disconnects from the server.
func (o *Opcua) Close(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.client == nil {
		return nil
	}
	err := o.client.Close(ctx)
	o.client = nil
	return err
}
