// Package state models the last-known-applied resource graph and its
// durable, versioned storage.
//
// The state document is the single shared mutable resource of the whole
// system. It is only ever changed through a Store's serial-checked write
// path while holding the reconciliation lock; no other component writes
// it directly.
package state

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/imamik/converge/internal/graph"
)

// Status is the lifecycle status of a resource in state.
type Status string

const (
	// StatusApplied marks a resource whose last operation succeeded.
	StatusApplied Status = "applied"
	// StatusTainted marks a resource whose last operation failed
	// permanently; it requires remediation (replacement) before further
	// automated changes.
	StatusTainted Status = "tainted"
)

// ResourceState is the recorded outcome of the last successful apply of
// one resource.
type ResourceState struct {
	ProviderID   string         `json:"provider_id"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	Status       Status         `json:"status"`
	Dependencies []string       `json:"dependencies,omitempty"`
}

// Document is the full mapping from resource identity to recorded state,
// versioned by a monotonically increasing serial number.
type Document struct {
	FormatVersion int                       `json:"version"`
	Lineage       string                    `json:"lineage"`
	Serial        uint64                    `json:"serial"`
	Resources     map[string]*ResourceState `json:"resources"`
}

// NewDocument returns an empty document with serial 0 and a fresh
// lineage.
func NewDocument() *Document {
	return &Document{
		FormatVersion: 1,
		Lineage:       newLineage(),
		Resources:     make(map[string]*ResourceState),
	}
}

func newLineage() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("reading random lineage: %v", err))
	}
	return hex.EncodeToString(b[:])
}

// Resource returns the recorded state for addr, or nil.
func (d *Document) Resource(addr graph.Addr) *ResourceState {
	return d.Resources[addr.String()]
}

// SetResource records rs for addr.
func (d *Document) SetResource(addr graph.Addr, rs *ResourceState) {
	d.Resources[addr.String()] = rs
}

// RemoveResource drops the recorded state for addr.
func (d *Document) RemoveResource(addr graph.Addr) {
	delete(d.Resources, addr.String())
}

// Output resolves one recorded resource output. It satisfies
// graph.OutputLookup.
func (d *Document) Output(addr graph.Addr, name string) (any, bool) {
	rs := d.Resources[addr.String()]
	if rs == nil || rs.Status != StatusApplied {
		return nil, false
	}
	v, ok := rs.Outputs[name]
	return v, ok
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	data, err := json.Marshal(d)
	if err != nil {
		panic(fmt.Sprintf("marshaling state document: %v", err))
	}
	var out Document
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("unmarshaling state document: %v", err))
	}
	if out.Resources == nil {
		out.Resources = make(map[string]*ResourceState)
	}
	return &out
}

// Hash returns the content hash of the document. Go's JSON encoding of
// maps is key-sorted, so the hash is canonical for equal content.
func (d *Document) Hash() string {
	data, err := json.Marshal(d)
	if err != nil {
		panic(fmt.Sprintf("marshaling state document: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Encode serializes the document for storage.
func (d *Document) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding state document: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses a stored document.
func Decode(data []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decoding state document: %w", err)
	}
	if d.FormatVersion != 1 {
		return nil, fmt.Errorf("unsupported state format version %d", d.FormatVersion)
	}
	if d.Resources == nil {
		d.Resources = make(map[string]*ResourceState)
	}
	return &d, nil
}
