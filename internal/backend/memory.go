package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	errs "github.com/alexjbarnes/liftsync/internal/errors"
	"github.com/alexjbarnes/liftsync/internal/models"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Call records one operation received by a Memory backend.
type Call struct {
	Op       string
	Kind     models.EntityType
	RemoteID string
	Fields   json.RawMessage
}

type memoryDoc struct {
	seq       int
	updatedAt int64
	fields    json.RawMessage
}

// Memory is an in-process backend holding remote entities in maps. It
// behaves like the real backend for the engine's purposes and lets tests
// seed remote state, simulate other devices and inject failures.
type Memory struct {
	mu       sync.Mutex
	now      func() time.Time
	seq      int
	docs     map[models.EntityType]map[string]*memoryDoc
	failures map[string]error
	calls    []Call
}

// MemoryOption customizes a Memory backend.
type MemoryOption func(*Memory)

// WithMemoryClock replaces time.Now for remote updatedAt stamps.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates an empty in-memory backend.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		now:      time.Now,
		docs:     make(map[models.EntityType]map[string]*memoryDoc),
		failures: make(map[string]error),
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

func failureKey(op string, kind models.EntityType) string {
	return op + ":" + string(kind)
}

// FailOn makes every op on kind return err until cleared with a nil err.
// An empty kind matches every kind.
func (m *Memory) FailOn(op string, kind models.EntityType, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := failureKey(op, kind)
	if err == nil {
		delete(m.failures, key)
		return
	}

	m.failures[key] = err
}

func (m *Memory) failure(op string, kind models.EntityType) error {
	if err, ok := m.failures[failureKey(op, kind)]; ok {
		return err
	}

	return m.failures[failureKey(op, "")]
}

func (m *Memory) record(c Call) {
	m.calls = append(m.calls, c)
}

// Calls returns every operation received so far.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]Call(nil), m.calls...)
}

// ResetCalls clears the call log.
func (m *Memory) ResetCalls() {
	m.mu.Lock()
	m.calls = nil
	m.mu.Unlock()
}

// Seed stores an entity as if another device had created it. Fields uses
// backend field names.
func (m *Memory) Seed(kind models.EntityType, remoteID string, updatedAt int64, fields json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.put(kind, remoteID, updatedAt, fields)
}

// Touch overwrites fields of a stored entity with an explicit updatedAt,
// as if another device had edited it.
func (m *Memory) Touch(kind models.EntityType, remoteID string, updatedAt int64, patch json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[kind][remoteID]
	if !ok {
		return fmt.Errorf("%w: %s %s", errs.ErrRemoteNotFound, kind, remoteID)
	}

	merged, err := mergeJSON(doc.fields, patch)
	if err != nil {
		return err
	}

	doc.fields = merged
	doc.updatedAt = updatedAt

	return nil
}

// Drop deletes an entity as if another device had removed it.
func (m *Memory) Drop(kind models.EntityType, remoteID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.docs[kind], remoteID)
}

// Get returns one stored entity.
func (m *Memory) Get(kind models.EntityType, remoteID string) (models.RemoteEntity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[kind][remoteID]
	if !ok {
		return models.RemoteEntity{}, false
	}

	return toRemote(remoteID, doc), true
}

// Count returns the number of stored entities of kind.
func (m *Memory) Count(kind models.EntityType) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.docs[kind])
}

func (m *Memory) put(kind models.EntityType, remoteID string, updatedAt int64, fields json.RawMessage) {
	if m.docs[kind] == nil {
		m.docs[kind] = make(map[string]*memoryDoc)
	}

	if len(fields) == 0 {
		fields = json.RawMessage("{}")
	}

	m.seq++
	m.docs[kind][remoteID] = &memoryDoc{seq: m.seq, updatedAt: updatedAt, fields: fields}
}

// freeID returns the next "<kind>_<n>" id not already taken. Seeded
// entities can occupy ids from the same sequence.
func (m *Memory) freeID(kind models.EntityType) string {
	for n := m.seq + 1; ; n++ {
		id := fmt.Sprintf("%s_%d", kind, n)
		if _, taken := m.docs[kind][id]; !taken {
			return id
		}
	}
}

// Create inserts a new remote entity and returns its backend id.
func (m *Memory) Create(ctx context.Context, kind models.EntityType, fields json.RawMessage) (string, error) {
	return m.create(ctx, "create", kind, fields)
}

// CreateDirect behaves like Create; the call log tells them apart.
func (m *Memory) CreateDirect(ctx context.Context, kind models.EntityType, fields json.RawMessage) (string, error) {
	return m.create(ctx, "createDirect", kind, fields)
}

func (m *Memory) create(ctx context.Context, op string, kind models.EntityType, fields json.RawMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.record(Call{Op: op, Kind: kind, Fields: fields})

	if err := m.failure(op, kind); err != nil {
		return "", err
	}

	if len(fields) > 0 && !gjson.ValidBytes(fields) {
		return "", fmt.Errorf("%w: invalid fields", errs.ErrRemoteOperation)
	}

	id := m.freeID(kind)
	m.put(kind, id, m.now().UnixMilli(), fields)

	return id, nil
}

// Update merges fields into a stored entity and stamps updatedAt.
func (m *Memory) Update(ctx context.Context, kind models.EntityType, remoteID string, fields json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.record(Call{Op: "update", Kind: kind, RemoteID: remoteID, Fields: fields})

	if err := m.failure("update", kind); err != nil {
		return err
	}

	doc, ok := m.docs[kind][remoteID]
	if !ok {
		return fmt.Errorf("%w: %s %s", errs.ErrRemoteNotFound, kind, remoteID)
	}

	merged, err := mergeJSON(doc.fields, fields)
	if err != nil {
		return err
	}

	doc.fields = merged
	doc.updatedAt = m.now().UnixMilli()

	return nil
}

// Remove deletes a stored entity.
func (m *Memory) Remove(ctx context.Context, kind models.EntityType, remoteID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.record(Call{Op: "remove", Kind: kind, RemoteID: remoteID})

	if err := m.failure("remove", kind); err != nil {
		return err
	}

	if _, ok := m.docs[kind][remoteID]; !ok {
		return fmt.Errorf("%w: %s %s", errs.ErrRemoteNotFound, kind, remoteID)
	}

	delete(m.docs[kind], remoteID)

	return nil
}

// List returns the stored entities of kind matching filter, in creation
// order.
func (m *Memory) List(ctx context.Context, kind models.EntityType, filter models.ListFilter) ([]models.RemoteEntity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.record(Call{Op: "list", Kind: kind, RemoteID: filter.Value})

	if err := m.failure("list", kind); err != nil {
		return nil, err
	}

	type entry struct {
		id  string
		doc *memoryDoc
	}

	var matched []entry

	for id, doc := range m.docs[kind] {
		if !filter.IsZero() && gjson.GetBytes(doc.fields, gjson.Escape(filter.Field)).String() != filter.Value {
			continue
		}

		matched = append(matched, entry{id: id, doc: doc})
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].doc.seq < matched[j].doc.seq })

	out := make([]models.RemoteEntity, 0, len(matched))
	for _, e := range matched {
		out = append(out, toRemote(e.id, e.doc))
	}

	return out, nil
}

// Ping fails only when a "ping" failure is injected.
func (m *Memory) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.failure("ping", "")
}

func toRemote(id string, doc *memoryDoc) models.RemoteEntity {
	fields, err := sjson.SetBytes(append([]byte(nil), doc.fields...), "_id", id)
	if err == nil {
		fields, err = sjson.SetBytes(fields, "updatedAt", doc.updatedAt)
	}

	if err != nil {
		fields = doc.fields
	}

	return models.RemoteEntity{ID: id, UpdatedAt: doc.updatedAt, Fields: fields}
}

// mergeJSON overlays patch's top-level keys onto base.
func mergeJSON(base, patch json.RawMessage) (json.RawMessage, error) {
	out := append([]byte(nil), base...)
	if len(out) == 0 {
		out = []byte("{}")
	}

	if len(patch) == 0 {
		return out, nil
	}

	parsed := gjson.ParseBytes(patch)
	if !parsed.IsObject() {
		return nil, fmt.Errorf("%w: patch must be a JSON object", errs.ErrRemoteOperation)
	}

	var err error

	parsed.ForEach(func(key, value gjson.Result) bool {
		out, err = sjson.SetRawBytes(out, gjson.Escape(key.String()), []byte(value.Raw))
		return err == nil
	})

	return out, err
}
