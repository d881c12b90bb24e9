package provider

import (
	"context"
	"fmt"
	"sync"
)

// Mock is an in-memory adapter for tests and dry runs. It honors the
// Adapter contract fully: Create adopts an existing resource with the
// same natural key, Delete of a missing resource succeeds, and failures
// can be scripted per natural-key value.
type Mock struct {
	mu sync.Mutex

	schema     Schema
	naturalKey string
	objects    map[string]*mockObject // by provider id
	nextID     int
	failures   map[string]*failureScript
	calls      []MockCall
}

// MockCall records one adapter invocation for assertions.
type MockCall struct {
	Op  string // "create", "read", "update", "delete"
	ID  string
	Key string // natural key value, when known
}

type mockObject struct {
	id    string
	attrs map[string]any
}

type failureScript struct {
	op        string
	remaining int // -1 means always
	class     Classification
}

// MockOption configures a Mock.
type MockOption func(*Mock)

// WithSchema sets the schema the mock reports.
func WithSchema(s Schema) MockOption {
	return func(m *Mock) { m.schema = s }
}

// WithNaturalKey sets the attribute used for adoption on Create.
// Default is "name".
func WithNaturalKey(key string) MockOption {
	return func(m *Mock) { m.naturalKey = key }
}

// NewMock returns an empty mock adapter.
func NewMock(opts ...MockOption) *Mock {
	m := &Mock{
		naturalKey: "name",
		objects:    make(map[string]*mockObject),
		failures:   make(map[string]*failureScript),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FailWith scripts the next `times` invocations of op against the
// resource whose natural key equals key to fail with the given
// classification. times < 0 means fail forever.
func (m *Mock) FailWith(key, op string, times int, class Classification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[key+"/"+op] = &failureScript{op: op, remaining: times, class: class}
}

// Calls returns a copy of the recorded invocations.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// Len returns the number of live objects.
func (m *Mock) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// Schema implements Adapter.
func (m *Mock) Schema() Schema {
	return m.schema
}

// Create implements Adapter. An existing object with the same natural
// key is adopted rather than duplicated.
func (m *Mock) Create(_ context.Context, attrs map[string]any) (*Remote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := m.keyOf(attrs)
	m.calls = append(m.calls, MockCall{Op: "create", Key: key})
	if err := m.scriptedFailure(key, "create"); err != nil {
		return nil, err
	}

	if obj := m.findByKey(key); obj != nil {
		obj.attrs = cloneAttrs(attrs)
		return m.remoteOf(obj), nil
	}

	m.nextID++
	obj := &mockObject{
		id:    fmt.Sprintf("mock-%d", m.nextID),
		attrs: cloneAttrs(attrs),
	}
	m.objects[obj.id] = obj
	return m.remoteOf(obj), nil
}

// Read implements Adapter.
func (m *Mock) Read(_ context.Context, id string) (*Remote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, MockCall{Op: "read", ID: id})
	obj, ok := m.objects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.remoteOf(obj), nil
}

// Update implements Adapter.
func (m *Mock) Update(_ context.Context, id string, attrs map[string]any) (*Remote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := m.keyOf(attrs)
	m.calls = append(m.calls, MockCall{Op: "update", ID: id, Key: key})
	if err := m.scriptedFailure(key, "update"); err != nil {
		return nil, err
	}

	obj, ok := m.objects[id]
	if !ok {
		return nil, Permanent(fmt.Errorf("update %s: %w", id, ErrNotFound))
	}
	obj.attrs = cloneAttrs(attrs)
	return m.remoteOf(obj), nil
}

// Delete implements Adapter. Deleting a missing object succeeds.
func (m *Mock) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var key string
	if obj, ok := m.objects[id]; ok {
		key = m.keyOf(obj.attrs)
	}
	m.calls = append(m.calls, MockCall{Op: "delete", ID: id, Key: key})
	if err := m.scriptedFailure(key, "delete"); err != nil {
		return err
	}

	delete(m.objects, id)
	return nil
}

func (m *Mock) keyOf(attrs map[string]any) string {
	if v, ok := attrs[m.naturalKey].(string); ok {
		return v
	}
	return ""
}

func (m *Mock) findByKey(key string) *mockObject {
	if key == "" {
		return nil
	}
	for _, obj := range m.objects {
		if m.keyOf(obj.attrs) == key {
			return obj
		}
	}
	return nil
}

func (m *Mock) scriptedFailure(key, op string) error {
	script, ok := m.failures[key+"/"+op]
	if !ok || script.remaining == 0 {
		return nil
	}
	if script.remaining > 0 {
		script.remaining--
	}
	err := fmt.Errorf("scripted %s failure for %q", op, key)
	if script.class == ClassTransient {
		return Transient(err)
	}
	return Permanent(err)
}

func (m *Mock) remoteOf(obj *mockObject) *Remote {
	outputs := cloneAttrs(obj.attrs)
	outputs["id"] = obj.id
	return &Remote{
		ID:         obj.id,
		Attributes: cloneAttrs(obj.attrs),
		Outputs:    outputs,
	}
}

func cloneAttrs(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
