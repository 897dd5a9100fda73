package energosbyt

import (
	"fmt"
	"sync"

	"github.com/lkcomu/lkcomu/pkg/types"
)

// Constructor builds a handler bound to one account.
type Constructor func(c *Client, acc types.Account) AccountHandler

type registryKey struct {
	provider    types.Provider
	serviceType types.ServiceType
	generic     bool
}

// Registry maps a (provider, service type) pair to the handler constructor
// able to serve it.
type Registry struct {
	mu    sync.RWMutex
	ctors map[registryKey]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[registryKey]Constructor)}
}

// DefaultRegistry returns a registry populated with every handler this
// package ships.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	electricity := types.ServiceTypeElectricity
	trash := types.ServiceTypeTrash

	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(r.Register(NewBytAccount, types.ProviderMoscow, &electricity, false))
	must(r.Register(NewTrashAccount, types.ProviderMoscow, &trash, false))
	for _, p := range []types.Provider{
		types.ProviderAltai,
		types.ProviderBashkortostan,
		types.ProviderSaratov,
		types.ProviderSevesk,
		types.ProviderTambov,
		types.ProviderTomsk,
		types.ProviderVolga,
	} {
		must(r.Register(NewSmorodinaAccount, p, &electricity, false))
	}
	must(r.Register(NewSmorodinaAccount, types.ProviderOryol, nil, false))
	must(r.Register(NewSmorodinaAccount, types.ProviderTomsk, nil, false))
	return r
}

func newRegistryKey(provider types.Provider, serviceType *types.ServiceType) registryKey {
	if serviceType == nil {
		return registryKey{provider: provider, generic: true}
	}
	return registryKey{provider: provider, serviceType: *serviceType}
}

// Register adds a constructor. A nil serviceType registers the provider's
// generic handler. Registering over an existing entry fails unless override
// is set.
func (r *Registry) Register(ctor Constructor, provider types.Provider, serviceType *types.ServiceType, override bool) error {
	if ctor == nil {
		return fmt.Errorf("nil constructor for %s", provider)
	}
	key := newRegistryKey(provider, serviceType)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ctors[key]; ok && !override {
		if key.generic {
			return fmt.Errorf("generic handler for %s already registered", provider)
		}
		return fmt.Errorf("handler for %s / %s already registered", provider, key.serviceType.Name())
	}
	r.ctors[key] = ctor
	return nil
}

// Resolve finds the constructor for a pair. With genericFallback set, a
// provider's generic handler is used when no exact entry exists.
func (r *Registry) Resolve(provider types.Provider, serviceType types.ServiceType, genericFallback bool) (Constructor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ctor, ok := r.ctors[registryKey{provider: provider, serviceType: serviceType}]; ok {
		return ctor, nil
	}
	if genericFallback {
		if ctor, ok := r.ctors[registryKey{provider: provider, generic: true}]; ok {
			return ctor, nil
		}
	}
	return nil, &UnsupportedAccountError{Provider: provider, ServiceType: serviceType}
}

// Instantiate builds the handler for a raw account row.
func (r *Registry) Instantiate(c *Client, raw RawAccount) (AccountHandler, error) {
	acc, err := raw.Account()
	if err != nil {
		return nil, err
	}
	ctor, err := r.Resolve(acc.Provider, acc.ServiceType, true)
	if err != nil {
		return nil, err
	}
	return ctor(c, acc), nil
}
