package btree

import "errors"

var (
	// ErrKeyNotFound is returned when a key is not present in the block
	ErrKeyNotFound = errors.New("key not found")
	// ErrCorrupt is returned when a block fails magic, checksum or bounds validation
	ErrCorrupt = errors.New("corrupt btree block")
	// ErrRecordTooLarge is returned when not even one record fits after the header
	ErrRecordTooLarge = errors.New("record does not fit in a block")
	// ErrKeyTooLarge is returned when the key codec is wider than the value encoding
	ErrKeyTooLarge = errors.New("key is wider than the record")
	// ErrKeyMismatch is returned when a value's encoded key prefix differs from the given key
	ErrKeyMismatch = errors.New("value does not encode the given key")
	// ErrBadRecord is returned by codecs for values that cannot be encoded
	ErrBadRecord = errors.New("value cannot be encoded")
)
