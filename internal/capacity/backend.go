package capacity

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Instance is one session runner the backend knows about.
type Instance struct {
	ID       string
	MaxSlots int64
}

// CreateOptions parameterizes a new runner instance.
type CreateOptions struct {
	MaxSlots int64
}

// Backend provisions and retires session runner instances. The provider
// never assumes a particular substrate; anything that can list, create,
// and destroy by ID fits. A created instance counts as placeable only
// once its runner advertises a session record.
type Backend interface {
	List(ctx context.Context) ([]Instance, error)
	Create(ctx context.Context, id string, opts CreateOptions) error
	Destroy(ctx context.Context, id string) error
}

// FakeBackend is an in-memory Backend for tests and single-host runs
// where runner processes are managed by hand.
type FakeBackend struct {
	mu        sync.Mutex
	instances map[string]Instance
	listErr   error

	created   []string
	destroyed []string
}

// NewFakeBackend returns a backend pre-populated with the given IDs.
func NewFakeBackend(ids ...string) *FakeBackend {
	b := &FakeBackend{instances: make(map[string]Instance)}
	for _, id := range ids {
		b.instances[id] = Instance{ID: id}
	}
	return b
}

func (b *FakeBackend) List(_ context.Context) ([]Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return nil, b.listErr
	}
	out := make([]Instance, 0, len(b.instances))
	for _, inst := range b.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *FakeBackend) Create(_ context.Context, id string, opts CreateOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.instances[id]; exists {
		return fmt.Errorf("instance %s already exists", id)
	}
	b.instances[id] = Instance{ID: id, MaxSlots: opts.MaxSlots}
	b.created = append(b.created, id)
	return nil
}

func (b *FakeBackend) Destroy(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.instances[id]; !exists {
		return fmt.Errorf("instance %s not found", id)
	}
	delete(b.instances, id)
	b.destroyed = append(b.destroyed, id)
	return nil
}

// SetListError makes subsequent List calls fail, simulating a backend
// outage.
func (b *FakeBackend) SetListError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listErr = err
}

// IDs returns the live instance IDs, sorted.
func (b *FakeBackend) IDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.instances))
	for id := range b.instances {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Created returns the creation history, in order.
func (b *FakeBackend) Created() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.created...)
}

// Destroyed returns the destruction history, in order.
func (b *FakeBackend) Destroyed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.destroyed...)
}
