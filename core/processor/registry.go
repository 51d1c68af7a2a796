package processor

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// familyKey identifies a registered processor by the family it handles.
type familyKey struct {
	name    string
	version string
}

type registeredProcessor struct {
	req  RegisterRequest
	conn *grpc.ClientConn
	sem  chan struct{} // occupancy cap: buffered to MaxOccupancy
}

// Registry tracks transaction processors that have registered with the
// validator and dials them on demand to issue ProcessRequest calls. One
// Registry is shared by the executor across all in-flight transactions.
type Registry struct {
	mu         sync.RWMutex
	processors map[familyKey]*registeredProcessor
}

// NewRegistry returns an empty processor registry.
func NewRegistry() *Registry {
	return &Registry{processors: make(map[familyKey]*registeredProcessor)}
}

// Register implements TransactionProcessorServer.Register: it records the
// processor's declared family, version, occupancy cap, and callback
// address, creating a gRPC client for that address. grpc.NewClient does not
// connect; the connection is made on the first Process call.
func (r *Registry) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	if req.FamilyName == "" || req.FamilyVersion == "" || req.Address == "" {
		return &RegisterResponse{Accepted: false, Reason: "family name, version, and address are required"}, nil
	}
	occupancy := req.MaxOccupancy
	if occupancy <= 0 {
		occupancy = 1
	}

	conn, err := grpc.NewClient(req.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return &RegisterResponse{Accepted: false, Reason: fmt.Sprintf("dial failed: %v", err)}, nil
	}

	key := familyKey{name: req.FamilyName, version: req.FamilyVersion}
	entry := &registeredProcessor{
		req:  *req,
		conn: conn,
		sem:  make(chan struct{}, occupancy),
	}

	r.mu.Lock()
	if old, ok := r.processors[key]; ok {
		old.conn.Close()
	}
	r.processors[key] = entry
	r.mu.Unlock()

	return &RegisterResponse{Accepted: true}, nil
}

// Process implements TransactionProcessorServer.Process by forwarding req to
// Dispatch. The executor, and through it the genesis bootstrapper, calls
// Dispatch directly.
func (r *Registry) Process(ctx context.Context, req *ProcessRequest) (*ProcessResponse, error) {
	return r.Dispatch(ctx, req)
}

// ErrNoProcessor is returned when no processor has registered for a
// transaction's family and version.
var ErrNoProcessor = fmt.Errorf("processor: no registered processor for family")

// Dispatch sends req to the registered processor for its family+version,
// blocking if the processor is at its occupancy cap.
func (r *Registry) Dispatch(ctx context.Context, req *ProcessRequest) (*ProcessResponse, error) {
	key := familyKey{name: req.FamilyName, version: req.FamilyVersion}
	r.mu.RLock()
	entry, ok := r.processors[key]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNoProcessor
	}

	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-entry.sem }()

	client := NewTransactionProcessorClient(entry.conn)
	return client.Process(ctx, req)
}

// Unregister drops a processor, closing its connection.
func (r *Registry) Unregister(family, version string) {
	key := familyKey{name: family, version: version}
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.processors[key]; ok {
		entry.conn.Close()
		delete(r.processors, key)
	}
}

// Has reports whether a processor is registered for family+version.
func (r *Registry) Has(family, version string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.processors[familyKey{name: family, version: version}]
	return ok
}
