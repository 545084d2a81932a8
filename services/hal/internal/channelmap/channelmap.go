// Package channelmap translates HAL channel numbers into I/O board channels.
package channelmap

import (
	_ "embed"
	"io"
	"sort"

	"vmxhal-go/drivers/vmx"

	"github.com/go-errors/errors"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// Entry binds one HAL channel to one board channel.
type Entry struct {
	HAL  int              `yaml:"hal"`
	VMX  vmx.ChannelIndex `yaml:"vmx"`
	Name string           `yaml:"name,omitempty"` // header label, informational
}

type document struct {
	Labels map[string][]Entry `yaml:"labels"`
}

// Map is immutable after construction.
type Map struct {
	labels map[string][]Entry // sorted by HAL index, dense 0..n-1
}

// Default returns the embedded VMX-pi map.
func Default() *Map {
	m, err := Parse(defaultYAML)
	if err != nil {
		panic(err)
	}
	return m
}

// Load reads a YAML map from r.
func Load(r io.Reader) (*Map, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.WrapPrefix(err, "channelmap: read", 0)
	}
	return Parse(b)
}

// Parse decodes and validates a YAML map. Per label, HAL indexes must be
// dense from 0 and board channels must be unique.
func Parse(b []byte) (*Map, error) {
	var doc document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, errors.WrapPrefix(err, "channelmap: decode", 0)
	}
	m := &Map{labels: make(map[string][]Entry, len(doc.Labels))}
	for label, entries := range doc.Labels {
		es := append([]Entry(nil), entries...)
		sort.Slice(es, func(i, j int) bool { return es[i].HAL < es[j].HAL })
		seen := make(map[vmx.ChannelIndex]int, len(es))
		for i, e := range es {
			if e.HAL != i {
				return nil, errors.Errorf("channelmap: %s: HAL channels must be dense from 0, found %d at position %d", label, e.HAL, i)
			}
			if prev, dup := seen[e.VMX]; dup {
				return nil, errors.Errorf("channelmap: %s: board channel %d used by HAL %d and %d", label, e.VMX, prev, e.HAL)
			}
			seen[e.VMX] = e.HAL
		}
		m.labels[label] = es
	}
	return m, nil
}

// Lookup returns the entry for a HAL channel under label.
func (m *Map) Lookup(label string, hal int) (Entry, bool) {
	es := m.labels[label]
	if hal < 0 || hal >= len(es) {
		return Entry{}, false
	}
	return es[hal], true
}

// Count is the number of HAL channels mapped under label.
func (m *Map) Count(label string) int { return len(m.labels[label]) }

// Info returns the board channel info for e with capabilities refreshed from
// the board.
func Info(board vmx.IO, e Entry) (vmx.ChannelInfo, error) {
	_, caps, err := board.ChannelCapabilities(e.VMX)
	if err != nil {
		return vmx.ChannelInfo{Index: e.VMX}, err
	}
	return vmx.ChannelInfo{Index: e.VMX, Capabilities: caps}, nil
}
