package registry

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-yaml"

	"github.com/wolfeidau/catalog-harvester/fetch"
)

// ProtocolVersion is the wire contract version this host implements.
const ProtocolVersion = 1

const (
	defaultEntry       = "main.js"
	defaultConcurrency = 2
)

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// Manifest declares an extension's identity, protocol version and
// capabilities.
type Manifest struct {
	ID              string   `toml:"id" yaml:"id"`
	Name            string   `toml:"name" yaml:"name"`
	Version         string   `toml:"version" yaml:"version"`
	Description     string   `toml:"description" yaml:"description"`
	ProtocolVersion int      `toml:"protocol_version" yaml:"protocol_version"`
	Capabilities    []string `toml:"capabilities" yaml:"capabilities"`
	Concurrency     int      `toml:"concurrency" yaml:"concurrency"`
	RateLimit       float64  `toml:"rate_limit" yaml:"rate_limit"`
	Burst           int      `toml:"burst" yaml:"burst"`
	AllowedHosts    []string `toml:"allowed_hosts" yaml:"allowed_hosts"`
	Entry           string   `toml:"entry" yaml:"entry"`
}

// Format is a manifest encoding.
type Format string

const (
	TOML Format = "toml"
	YAML Format = "yaml"
)

// FormatFromName picks the manifest format from a file name.
func FormatFromName(name string) (Format, bool) {
	switch {
	case strings.HasSuffix(name, ".toml"):
		return TOML, true
	case strings.HasSuffix(name, ".yaml"), strings.HasSuffix(name, ".yml"):
		return YAML, true
	}
	return "", false
}

// ParseManifest decodes and validates a manifest. Unknown keys are
// rejected. Errors are LoadErrors.
func ParseManifest(data []byte, format Format) (*Manifest, error) {
	var m Manifest
	switch format {
	case TOML:
		md, err := toml.Decode(string(data), &m)
		if err != nil {
			return nil, &LoadError{Kind: ValidationFailed, Err: fmt.Errorf("decoding toml manifest: %w", err)}
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, &LoadError{Kind: ValidationFailed, Err: fmt.Errorf("unknown manifest keys: %v", undecoded)}
		}
	case YAML:
		if err := yaml.UnmarshalWithOptions(data, &m, yaml.DisallowUnknownField()); err != nil {
			return nil, &LoadError{Kind: ValidationFailed, Err: fmt.Errorf("decoding yaml manifest: %w", err)}
		}
	default:
		return nil, &LoadError{Kind: ValidationFailed, Err: fmt.Errorf("unsupported manifest format %q", format)}
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest and fills defaults.
func (m *Manifest) Validate() error {
	fail := func(err error) error {
		return &LoadError{Kind: ValidationFailed, Extension: m.ID, Err: err}
	}

	if !idPattern.MatchString(m.ID) {
		return fail(fmt.Errorf("invalid id %q", m.ID))
	}
	switch {
	case m.ProtocolVersion == 0:
		return fail(errors.New("protocol_version is required"))
	case m.ProtocolVersion < 0:
		return fail(fmt.Errorf("invalid protocol_version %d", m.ProtocolVersion))
	case m.ProtocolVersion != ProtocolVersion:
		return &LoadError{
			Kind:      IncompatibleVersion,
			Extension: m.ID,
			Err:       fmt.Errorf("extension requires protocol %d, host supports %d", m.ProtocolVersion, ProtocolVersion),
		}
	}
	if _, err := ParseCapabilities(m.Capabilities); err != nil {
		return fail(err)
	}
	if m.Concurrency < 0 {
		return fail(fmt.Errorf("invalid concurrency %d", m.Concurrency))
	}
	if m.RateLimit < 0 || m.Burst < 0 {
		return fail(errors.New("rate_limit and burst must not be negative"))
	}
	if err := m.Policy().Validate(); err != nil {
		return fail(err)
	}
	if strings.Contains(m.Entry, "..") {
		return fail(fmt.Errorf("entry %q escapes the bundle", m.Entry))
	}

	if m.Name == "" {
		m.Name = m.ID
	}
	if m.Entry == "" {
		m.Entry = defaultEntry
	}
	if m.Concurrency == 0 {
		m.Concurrency = defaultConcurrency
	}
	return nil
}

// Caps returns the parsed capability set. The manifest must be valid.
func (m *Manifest) Caps() Capabilities {
	c, _ := ParseCapabilities(m.Capabilities)
	return c
}

// Policy returns the network policy for the fetch client.
func (m *Manifest) Policy() fetch.Policy {
	return fetch.Policy{
		RateLimit:    m.RateLimit,
		Burst:        m.Burst,
		AllowedHosts: m.AllowedHosts,
	}
}
