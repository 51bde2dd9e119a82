package btree

import (
	"fmt"
	"math"
)

// Node is one record store block held in memory: a header followed by
// Len() fixed-size records sorted by key with no gaps.
type Node[K any, V any] struct {
	buf    []byte
	hdr    Header
	keys   KeyCodec[K]
	values ValueCodec[V]
}

// Position is the result of a key search within a node.
type Position struct {
	// Index is where the key is stored, or where it would be inserted.
	Index int
	// Exact reports whether the record at Index has the key.
	Exact bool
	// Pred is the index of the last record with a smaller key, or -1.
	Pred int
}

// NewNode formats buf as an empty node with the given header.
func NewNode[K any, V any](buf []byte, hdr Header, keys KeyCodec[K], values ValueCodec[V]) *Node[K, V] {
	clear(buf)
	hdr.NumRecs = 0
	n := &Node[K, V]{buf: buf, hdr: hdr, keys: keys, values: values}
	n.hdr.Encode(buf)
	return n
}

// LoadNode decodes a node from a block read off the device. The magic,
// the checksum and the record count are all validated.
func LoadNode[K any, V any](buf []byte, keys KeyCodec[K], values ValueCodec[V]) (*Node[K, V], error) {
	hdr, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if err := Verify(buf); err != nil {
		return nil, err
	}

	n := &Node[K, V]{buf: buf, hdr: hdr, keys: keys, values: values}
	if int(hdr.NumRecs) > n.Capacity() {
		return nil, fmt.Errorf("%w: %d records exceed capacity %d", ErrCorrupt, hdr.NumRecs, n.Capacity())
	}
	return n, nil
}

// Header returns a copy of the node header.
func (n *Node[K, V]) Header() Header { return n.hdr }

// Len returns the number of stored records.
func (n *Node[K, V]) Len() int { return int(n.hdr.NumRecs) }

// Capacity returns the number of records the block can hold. It never
// exceeds what the 16 bit record count in the header can address.
func (n *Node[K, V]) Capacity() int {
	return min((len(n.buf)-HeaderSize)/n.values.Size(), math.MaxUint16)
}

// Full reports whether the node has no room for another record.
func (n *Node[K, V]) Full() bool {
	return n.Len() >= n.Capacity()
}

func (n *Node[K, V]) offset(i int) int {
	return HeaderSize + i*n.values.Size()
}

func (n *Node[K, V]) slot(i int) []byte {
	off := n.offset(i)
	return n.buf[off : off+n.values.Size()]
}

// Key decodes the key of record i.
func (n *Node[K, V]) Key(i int) (K, error) {
	k, err := n.keys.DecodeKey(n.slot(i)[:n.keys.Size()])
	if err != nil {
		return k, fmt.Errorf("decode key %d: %w", i, err)
	}
	return k, nil
}

// Record decodes the value of record i.
func (n *Node[K, V]) Record(i int) (V, error) {
	v, err := n.values.Decode(n.slot(i))
	if err != nil {
		return v, fmt.Errorf("decode record %d: %w", i, err)
	}
	return v, nil
}

// Keys decodes every key in stored order.
func (n *Node[K, V]) Keys() ([]K, error) {
	keys := make([]K, 0, n.Len())
	for i := 0; i < n.Len(); i++ {
		k, err := n.Key(i)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Find scans the records in order and stops at the first key that is not
// smaller than key.
func (n *Node[K, V]) Find(key K) (Position, error) {
	pos := Position{Pred: -1}
	for i := 0; i < n.Len(); i++ {
		k, err := n.Key(i)
		if err != nil {
			return pos, err
		}

		c := n.keys.Compare(k, key)
		if c == 0 {
			pos.Index = i
			pos.Exact = true
			return pos, nil
		}
		if c > 0 {
			pos.Index = i
			return pos, nil
		}
		pos.Pred = i
	}
	pos.Index = n.Len()
	return pos, nil
}

// Insert adds value under key, shifting later records one slot to the
// right. An existing key or a full block leaves the node unchanged.
func (n *Node[K, V]) Insert(key K, value V) (SetResult, error) {
	pos, err := n.Find(key)
	if err != nil {
		return 0, err
	}
	if pos.Exact {
		return Exists, nil
	}
	if n.Full() {
		return CapacityExceeded, nil
	}

	rec := make([]byte, n.values.Size())
	if err := n.encode(rec, key, value); err != nil {
		return 0, err
	}

	at := n.offset(pos.Pred + 1)
	end := n.offset(n.Len())
	copy(n.buf[at+len(rec):end+len(rec)], n.buf[at:end])
	copy(n.buf[at:], rec)

	n.hdr.NumRecs++
	return Inserted, nil
}

// Replace overwrites record i with value, which must carry the same key.
func (n *Node[K, V]) Replace(i int, value V) error {
	if i < 0 || i >= n.Len() {
		return fmt.Errorf("record %d out of range [0, %d)", i, n.Len())
	}
	key, err := n.Key(i)
	if err != nil {
		return err
	}

	rec := make([]byte, n.values.Size())
	if err := n.encode(rec, key, value); err != nil {
		return err
	}
	copy(n.slot(i), rec)
	return nil
}

// encode writes value into rec and checks that its key prefix decodes to key.
func (n *Node[K, V]) encode(rec []byte, key K, value V) error {
	if err := n.values.Encode(rec, value); err != nil {
		return err
	}
	got, err := n.keys.DecodeKey(rec[:n.keys.Size()])
	if err != nil {
		return err
	}
	if n.keys.Compare(got, key) != 0 {
		return ErrKeyMismatch
	}
	return nil
}

// Bytes encodes the header, seals the checksum and returns the block.
func (n *Node[K, V]) Bytes() []byte {
	n.hdr.Encode(n.buf)
	n.hdr.CRC = Seal(n.buf)
	return n.buf
}
