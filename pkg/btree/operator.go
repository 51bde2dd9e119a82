// Package btree stores fixed-size sorted records inside a single device
// block. A block holds a 64 byte header followed by the records packed in
// ascending key order; lookups scan linearly and inserts shift the tail of
// the array to open a slot.
package btree

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/poundfs/poundfs/pkg/blockdev"
	"github.com/poundfs/poundfs/pkg/common/log"
	"github.com/poundfs/poundfs/pkg/telemetry"
)

// SetResult is the outcome of a Set or Update that did not fail.
type SetResult int

const (
	// Inserted means a new record was stored
	Inserted SetResult = iota
	// Exists means the key was already present and nothing was written
	Exists
	// CapacityExceeded means the block is full and nothing was written
	CapacityExceeded
	// Updated means an existing record was rewritten
	Updated
)

func (r SetResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Exists:
		return "exists"
	case CapacityExceeded:
		return "capacity_exceeded"
	case Updated:
		return "updated"
	default:
		return fmt.Sprintf("SetResult(%d)", int(r))
	}
}

type config struct {
	owner  uint32
	logger log.Logger
	tel    telemetry.Telemetry
}

// Option configures an Operator.
type Option func(*config)

// WithOwner sets the owner recorded in headers written by Create.
func WithOwner(owner uint32) Option {
	return func(c *config) { c.owner = owner }
}

// WithLogger sets the operator logger.
func WithLogger(logger log.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithTelemetry enables operator metrics.
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(c *config) { c.tel = tel }
}

// Operator runs record operations against one root block of a device.
// Calls on one Operator are serialized. Two operators sharing a block must
// be coordinated by the caller.
type Operator[K any, V any] struct {
	mu      sync.Mutex
	dev     blockdev.Device
	root    uint64
	owner   uint32
	keys    KeyCodec[K]
	values  ValueCodec[V]
	logger  log.Logger
	metrics BtreeMetrics
}

// New creates an operator for the record block at root.
func New[K any, V any](dev blockdev.Device, root uint64, keys KeyCodec[K], values ValueCodec[V], opts ...Option) (*Operator[K, V], error) {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = log.Component("btree")
	}

	if keys.Size() <= 0 || keys.Size() > values.Size() {
		return nil, fmt.Errorf("%w: key %d bytes, record %d bytes", ErrKeyTooLarge, keys.Size(), values.Size())
	}
	if HeaderSize+values.Size() > dev.BlockSize() {
		return nil, fmt.Errorf("%w: %d byte record in a %d byte block", ErrRecordTooLarge, values.Size(), dev.BlockSize())
	}
	if root >= dev.NumBlocks() {
		return nil, fmt.Errorf("root block %d: %w", root, blockdev.ErrOutOfRange)
	}

	return &Operator[K, V]{
		dev:     dev,
		root:    root,
		owner:   cfg.owner,
		keys:    keys,
		values:  values,
		logger:  cfg.logger.WithField("root", root),
		metrics: NewBtreeMetrics(cfg.tel),
	}, nil
}

// Root returns the block the operator works on.
func (o *Operator[K, V]) Root() uint64 { return o.root }

// Create formats the root block as an empty leaf.
func (o *Operator[K, V]) Create() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	start := time.Now()
	buf := make([]byte, o.dev.BlockSize())
	node := NewNode(buf, NewHeader(o.root, o.owner), o.keys, o.values)

	err := o.dev.WriteBlock(o.root, node.Bytes())
	if err != nil {
		err = fmt.Errorf("write block %d: %w", o.root, err)
	} else {
		o.logger.Debug("Created record block with capacity %d", node.Capacity())
	}
	o.metrics.RecordOperation(context.Background(), telemetry.OpTypeCreate, time.Since(start), "", err)
	return err
}

// Get returns the value stored under key, or ErrKeyNotFound.
func (o *Operator[K, V]) Get(key K) (V, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	start := time.Now()
	v, err := o.get(key)
	o.metrics.RecordOperation(context.Background(), telemetry.OpTypeGet, time.Since(start), "", err)
	return v, err
}

func (o *Operator[K, V]) get(key K) (V, error) {
	var zero V

	node, err := o.load()
	if err != nil {
		return zero, err
	}
	pos, err := node.Find(key)
	if err != nil {
		return zero, err
	}
	if !pos.Exact {
		return zero, ErrKeyNotFound
	}
	return node.Record(pos.Index)
}

// Set inserts value under key if the key is absent. An existing key yields
// Exists and a full block yields CapacityExceeded; neither writes anything.
func (o *Operator[K, V]) Set(key K, value V) (SetResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	start := time.Now()
	res, err := o.set(key, value)
	o.metrics.RecordOperation(context.Background(), telemetry.OpTypeSet, time.Since(start), resultLabel(res, err), err)
	return res, err
}

func (o *Operator[K, V]) set(key K, value V) (SetResult, error) {
	node, err := o.load()
	if err != nil {
		return 0, err
	}

	res, err := node.Insert(key, value)
	if err != nil {
		return 0, err
	}
	switch res {
	case Exists:
		return res, nil
	case CapacityExceeded:
		o.logger.Warn("Record block full at %d records", node.Len())
		return res, nil
	}

	if err := o.store(node); err != nil {
		return 0, err
	}
	return Inserted, nil
}

// Update rewrites the record stored under key. It returns ErrKeyNotFound if
// the key is absent.
func (o *Operator[K, V]) Update(key K, value V) (SetResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	start := time.Now()
	res, err := o.update(key, value)
	o.metrics.RecordOperation(context.Background(), telemetry.OpTypeUpdate, time.Since(start), resultLabel(res, err), err)
	return res, err
}

func (o *Operator[K, V]) update(key K, value V) (SetResult, error) {
	node, err := o.load()
	if err != nil {
		return 0, err
	}
	pos, err := node.Find(key)
	if err != nil {
		return 0, err
	}
	if !pos.Exact {
		return 0, ErrKeyNotFound
	}
	if err := node.Replace(pos.Index, value); err != nil {
		return 0, err
	}
	if err := o.store(node); err != nil {
		return 0, err
	}
	return Updated, nil
}

// Scan calls fn for every record in key order until fn returns false.
func (o *Operator[K, V]) Scan(fn func(key K, value V) bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	node, err := o.load()
	if err != nil {
		return err
	}
	for i := 0; i < node.Len(); i++ {
		k, err := node.Key(i)
		if err != nil {
			return err
		}
		v, err := node.Record(i)
		if err != nil {
			return err
		}
		if !fn(k, v) {
			return nil
		}
	}
	return nil
}

// Header returns the decoded header of the root block.
func (o *Operator[K, V]) Header() (Header, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	node, err := o.load()
	if err != nil {
		return Header{}, err
	}
	return node.Header(), nil
}

func resultLabel(res SetResult, err error) string {
	if err != nil {
		return ""
	}
	return res.String()
}

func (o *Operator[K, V]) load() (*Node[K, V], error) {
	buf := make([]byte, o.dev.BlockSize())
	if err := o.dev.ReadBlock(o.root, buf); err != nil {
		return nil, fmt.Errorf("read block %d: %w", o.root, err)
	}
	node, err := LoadNode(buf, o.keys, o.values)
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", o.root, err)
	}
	return node, nil
}

func (o *Operator[K, V]) store(node *Node[K, V]) error {
	node.hdr.LSN++
	if err := o.dev.WriteBlock(o.root, node.Bytes()); err != nil {
		return fmt.Errorf("write block %d: %w", o.root, err)
	}
	o.metrics.RecordFill(context.Background(), node.Len(), node.Capacity())
	return nil
}
