package llm

import (
	"fmt"
	"sync"
	"time"
)

// Capability names the kind of work an endpoint is suited for. Agents
// request a capability; the endpoint set resolves it to a fallback chain
// of concrete models.
type Capability string

const (
	// CapabilityDrafting is long-form document generation.
	CapabilityDrafting Capability = "drafting"

	// CapabilityAnalysis is structured reasoning over case material.
	CapabilityAnalysis Capability = "analysis"

	// CapabilityFast is cheap, low-latency work such as classification
	// and extraction.
	CapabilityFast Capability = "fast"
)

// ParseCapability maps a string to a known capability, defaulting to
// CapabilityFast for unknown values.
func ParseCapability(s string) Capability {
	switch Capability(s) {
	case CapabilityDrafting, CapabilityAnalysis, CapabilityFast:
		return Capability(s)
	default:
		return CapabilityFast
	}
}

// Endpoint describes one reachable model.
type Endpoint struct {
	// Name uniquely identifies the endpoint within the set.
	Name string `json:"name" yaml:"name"`

	// Provider selects the wire adapter ("anthropic", "openai", "ollama").
	Provider string `json:"provider" yaml:"provider"`

	// Model is the provider-side model identifier.
	Model string `json:"model" yaml:"model"`

	// URL overrides the provider's default base URL when set.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// MaxTokens is the endpoint's context budget, informational.
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// failureThreshold is how many consecutive failures open an endpoint's
// circuit.
const failureThreshold = 3

// cooldownPeriod is how long an open circuit stays open.
const cooldownPeriod = 60 * time.Second

type endpointHealth struct {
	consecutiveFailures int
	openUntil           time.Time
}

// EndpointSet maps capabilities to ordered fallback chains of endpoints
// and tracks per-endpoint health. Endpoints whose circuit is open are
// skipped until the cooldown expires.
type EndpointSet struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	chains    map[Capability][]string
	health    map[string]*endpointHealth
	now       func() time.Time
}

// NewEndpointSet creates an empty endpoint set.
func NewEndpointSet() *EndpointSet {
	return &EndpointSet{
		endpoints: make(map[string]*Endpoint),
		chains:    make(map[Capability][]string),
		health:    make(map[string]*endpointHealth),
		now:       time.Now,
	}
}

// Add registers an endpoint.
func (s *EndpointSet) Add(ep Endpoint) error {
	if ep.Name == "" {
		return fmt.Errorf("endpoint name is required")
	}
	if ep.Provider == "" {
		return fmt.Errorf("endpoint %s: provider is required", ep.Name)
	}
	if ep.Model == "" {
		return fmt.Errorf("endpoint %s: model is required", ep.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.endpoints[ep.Name]; exists {
		return fmt.Errorf("endpoint %s already registered", ep.Name)
	}
	s.endpoints[ep.Name] = &ep
	s.health[ep.Name] = &endpointHealth{}
	return nil
}

// Bind appends endpoints, by name, to a capability's fallback chain. The
// chain is tried in bind order.
func (s *EndpointSet) Bind(cap Capability, names ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		if _, ok := s.endpoints[name]; !ok {
			return fmt.Errorf("bind %s: unknown endpoint %s", cap, name)
		}
		s.chains[cap] = append(s.chains[cap], name)
	}
	return nil
}

// Endpoint returns a registered endpoint by name, or nil.
func (s *EndpointSet) Endpoint(name string) *Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoints[name]
}

// Chain returns the healthy portion of a capability's fallback chain, in
// order. Endpoints with an open circuit are filtered out.
func (s *EndpointSet) Chain(cap Capability) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for _, name := range s.chains[cap] {
		h := s.health[name]
		if h != nil && s.now().Before(h.openUntil) {
			continue
		}
		out = append(out, name)
	}
	return out
}

// MarkSuccess resets an endpoint's failure count and closes its circuit.
func (s *EndpointSet) MarkSuccess(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h := s.health[name]; h != nil {
		h.consecutiveFailures = 0
		h.openUntil = time.Time{}
	}
}

// MarkFailure counts a failure and opens the endpoint's circuit once the
// threshold is reached.
func (s *EndpointSet) MarkFailure(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.health[name]
	if h == nil {
		return
	}
	h.consecutiveFailures++
	if h.consecutiveFailures >= failureThreshold {
		h.openUntil = s.now().Add(cooldownPeriod)
	}
}
