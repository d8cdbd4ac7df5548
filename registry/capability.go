package registry

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wolfeidau/catalog-harvester/queue"
)

// Capability is one declared extension capability.
type Capability uint8

const (
	// Network allows host.fetch and host.fetchBytes.
	Network Capability = 1 << iota
	// ConcurrencySafe allows concurrent calls on separate VM slots.
	ConcurrencySafe
	// Assets means the extension implements fetch_asset.
	Assets
)

var capabilityNames = []struct {
	cap  Capability
	name string
}{
	{Network, "network"},
	{ConcurrencySafe, "concurrency-safe"},
	{Assets, "assets"},
}

// Capabilities is a set of capabilities.
type Capabilities uint8

// Has reports whether every capability in want is present.
func (c Capabilities) Has(want Capabilities) bool {
	return c&want == want
}

// With returns c plus cap.
func (c Capabilities) With(cap Capability) Capabilities {
	return c | Capabilities(cap)
}

// Names returns the capability names in a stable order.
func (c Capabilities) Names() []string {
	names := []string{}
	for _, cn := range capabilityNames {
		if c.Has(Capabilities(cn.cap)) {
			names = append(names, cn.name)
		}
	}
	return names
}

func (c Capabilities) String() string {
	return strings.Join(c.Names(), ",")
}

// MarshalJSON encodes the set as a list of names.
func (c Capabilities) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Names())
}

// ParseCapabilities converts manifest capability names into a set.
func ParseCapabilities(names []string) (Capabilities, error) {
	var c Capabilities
	for _, name := range names {
		found := false
		for _, cn := range capabilityNames {
			if strings.EqualFold(strings.TrimSpace(name), cn.name) {
				c = c.With(cn.cap)
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown capability %q", name)
		}
	}
	return c, nil
}

// requiredCapabilities maps each job kind to the capabilities an extension
// must declare before the orchestrator may schedule it.
var requiredCapabilities = map[queue.Kind]Capabilities{
	queue.Discover:      0,
	queue.FetchMetadata: 0,
	queue.FetchAsset:    Capabilities(Assets) | Capabilities(Network),
}

// Required returns the capabilities needed for a job kind.
func Required(kind queue.Kind) (Capabilities, bool) {
	c, ok := requiredCapabilities[kind]
	return c, ok
}
