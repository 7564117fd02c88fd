package broker

import (
	"fmt"
	"strings"
	"sync"
)

// Registry holds all registered provider adapters and dispatches capability
// lookups by provider type. Adapters are registered once at startup.
type Registry struct {
	mu       sync.RWMutex
	adapters map[ProviderType]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: map[ProviderType]Adapter{},
	}
}

func normalizeProviderType(raw string) ProviderType {
	return ProviderType(strings.ToLower(strings.TrimSpace(raw)))
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is nil")
	}
	pt := normalizeProviderType(adapter.Type().String())
	if pt == "" {
		return fmt.Errorf("provider type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[pt]; exists {
		return fmt.Errorf("provider type already registered: %s", pt)
	}
	r.adapters[pt] = adapter
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Get returns the adapter for the given provider type.
func (r *Registry) Get(providerType ProviderType) (Adapter, bool) {
	pt := normalizeProviderType(providerType.String())
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[pt]
	return adapter, ok
}

// Types returns all registered provider types.
func (r *Registry) Types() []ProviderType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]ProviderType, 0, len(r.adapters))
	for pt := range r.adapters {
		items = append(items, pt)
	}
	return items
}

// ParseProviderType validates a raw string against the registered types.
func (r *Registry) ParseProviderType(raw string) (ProviderType, error) {
	pt := normalizeProviderType(raw)
	if pt == "" {
		return "", fmt.Errorf("unsupported provider type: %s", raw)
	}
	if _, ok := r.Get(pt); !ok {
		return "", fmt.Errorf("unsupported provider type: %s", raw)
	}
	return pt, nil
}

// GetVerifier returns the Verifier capability, or false if unsupported.
func (r *Registry) GetVerifier(providerType ProviderType) (Verifier, bool) {
	adapter, ok := r.Get(providerType)
	if !ok {
		return nil, false
	}
	verifier, ok := adapter.(Verifier)
	return verifier, ok
}

// GetPreprocessor returns the Preprocessor capability, or false if unsupported.
func (r *Registry) GetPreprocessor(providerType ProviderType) (Preprocessor, bool) {
	adapter, ok := r.Get(providerType)
	if !ok {
		return nil, false
	}
	pre, ok := adapter.(Preprocessor)
	return pre, ok
}

// GetChannelResolver returns the ChannelResolver capability, or false if unsupported.
func (r *Registry) GetChannelResolver(providerType ProviderType) (ChannelResolver, bool) {
	adapter, ok := r.Get(providerType)
	if !ok {
		return nil, false
	}
	resolver, ok := adapter.(ChannelResolver)
	return resolver, ok
}

// GetUpdatePoster returns the UpdatePoster capability, or false if unsupported.
func (r *Registry) GetUpdatePoster(providerType ProviderType) (UpdatePoster, bool) {
	adapter, ok := r.Get(providerType)
	if !ok {
		return nil, false
	}
	poster, ok := adapter.(UpdatePoster)
	return poster, ok
}

// GetSender returns the Sender capability, or false if unsupported.
func (r *Registry) GetSender(providerType ProviderType) (Sender, bool) {
	adapter, ok := r.Get(providerType)
	if !ok {
		return nil, false
	}
	sender, ok := adapter.(Sender)
	return sender, ok
}

// GetMessageEditor returns the MessageEditor capability, or false if unsupported.
func (r *Registry) GetMessageEditor(providerType ProviderType) (MessageEditor, bool) {
	adapter, ok := r.Get(providerType)
	if !ok {
		return nil, false
	}
	editor, ok := adapter.(MessageEditor)
	return editor, ok
}

// GetWebhookManager returns the WebhookManager capability, or false if unsupported.
func (r *Registry) GetWebhookManager(providerType ProviderType) (WebhookManager, bool) {
	adapter, ok := r.Get(providerType)
	if !ok {
		return nil, false
	}
	manager, ok := adapter.(WebhookManager)
	return manager, ok
}
