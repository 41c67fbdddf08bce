// Package policy loads precompiled seccomp allow-lists and applies them at
// device process entry. A policy is keyed by device type; applying it is a
// one-shot, irreversible operation that must happen before the process
// accepts any externally influenced input.
package policy

import (
	"encoding/base64"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// bpfInstructionSize is the encoded size of one cBPF instruction.
const bpfInstructionSize = 8

// Filter is one precompiled seccomp-bpf program.
type Filter struct {
	deviceType string
	raw        []byte
}

// DeviceType returns the device type this filter was compiled for.
func (f *Filter) DeviceType() string { return f.deviceType }

// InstructionCount returns the number of BPF instructions.
func (f *Filter) InstructionCount() int { return len(f.raw) / bpfInstructionSize }

// File is the on-disk policy set.
//
//	policies:
//	  block:
//	    filter: <base64 cBPF program>
//	  net:
//	    filter: ...
type File struct {
	Policies map[string]filterEntry `yaml:"policies"`
}

type filterEntry struct {
	Filter string `yaml:"filter"`
}

// Set holds the loaded filters for every configured device type.
type Set struct {
	filters map[string]*Filter
}

// Load parses a policy document.
func Load(data []byte) (*Set, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("policy: parse: %w", err)
	}
	if len(file.Policies) == 0 {
		return nil, fmt.Errorf("policy: no policies defined")
	}

	set := &Set{filters: make(map[string]*Filter, len(file.Policies))}
	for deviceType, entry := range file.Policies {
		raw, err := base64.StdEncoding.DecodeString(entry.Filter)
		if err != nil {
			return nil, fmt.Errorf("policy: %s: decode filter: %w", deviceType, err)
		}
		if len(raw) == 0 || len(raw)%bpfInstructionSize != 0 {
			return nil, fmt.Errorf("policy: %s: filter length %d is not a whole program", deviceType, len(raw))
		}
		set.filters[deviceType] = &Filter{deviceType: deviceType, raw: raw}
	}
	return set, nil
}

// LoadFile loads a policy document from disk.
func LoadFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return Load(data)
}

// Lookup returns the filter for a device type. A missing entry is a
// configuration error: there is no fallback policy.
func (s *Set) Lookup(deviceType string) (*Filter, error) {
	f, ok := s.filters[deviceType]
	if !ok {
		return nil, fmt.Errorf("policy: no policy for device type %q", deviceType)
	}
	return f, nil
}

// DeviceTypes returns the configured device types.
func (s *Set) DeviceTypes() []string {
	types := make([]string, 0, len(s.filters))
	for t := range s.filters {
		types = append(types, t)
	}
	return types
}
