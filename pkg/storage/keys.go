package storage

import "encoding/binary"

// Key encoding helpers
// ============================================================================

const (
	prefixNode byte = iota + 1
	prefixRelationship
	prefixLabelIndex
	prefixTypeIndex
	prefixGraphProps
	prefixIndexRule
	prefixConstraintRule
	prefixIndexEntry
	prefixToken
)

func be64(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return buf[:]
}

// nodeKey creates a key for storing a node record.
func nodeKey(id uint64) []byte {
	return append([]byte{prefixNode}, be64(id)...)
}

// relationshipKey creates a key for storing a relationship record.
func relationshipKey(id uint64) []byte {
	return append([]byte{prefixRelationship}, be64(id)...)
}

// labelIndexKey creates a key for the label membership index.
// Format: prefix + labelID (8 bytes) + nodeID (8 bytes)
func labelIndexKey(labelID int, nodeID uint64) []byte {
	key := make([]byte, 0, 17)
	key = append(key, prefixLabelIndex)
	key = append(key, be64(uint64(labelID))...)
	key = append(key, be64(nodeID)...)
	return key
}

// labelIndexPrefix returns the prefix for scanning all nodes with a label.
func labelIndexPrefix(labelID int) []byte {
	return append([]byte{prefixLabelIndex}, be64(uint64(labelID))...)
}

// typeIndexKey creates a key for the relationship type index.
func typeIndexKey(typeID int, relID uint64) []byte {
	key := make([]byte, 0, 17)
	key = append(key, prefixTypeIndex)
	key = append(key, be64(uint64(typeID))...)
	key = append(key, be64(relID)...)
	return key
}

// typeIndexPrefix returns the prefix for scanning all relationships of a type.
func typeIndexPrefix(typeID int) []byte {
	return append([]byte{prefixTypeIndex}, be64(uint64(typeID))...)
}

// graphPropsKey is the single key holding the graph-wide property map.
func graphPropsKey() []byte {
	return []byte{prefixGraphProps}
}

// indexRuleKey creates a key for a persisted index rule.
func indexRuleKey(id uint64) []byte {
	return append([]byte{prefixIndexRule}, be64(id)...)
}

// constraintRuleKey creates a key for a persisted constraint rule.
func constraintRuleKey(id uint64) []byte {
	return append([]byte{prefixConstraintRule}, be64(id)...)
}

// indexEntryKey creates a key for one index entry.
// Format: prefix + indexID (8 bytes) + tupleKey + 0x00 + nodeID (8 bytes)
//
// The tuple key is a canonical kind-tagged encoding, so values of different
// kinds never collide even when their payloads match.
func indexEntryKey(indexID uint64, tupleKey []byte, nodeID uint64) []byte {
	key := make([]byte, 0, 1+8+len(tupleKey)+1+8)
	key = append(key, prefixIndexEntry)
	key = append(key, be64(indexID)...)
	key = append(key, tupleKey...)
	key = append(key, 0x00)
	key = append(key, be64(nodeID)...)
	return key
}

// indexEntryTuplePrefix returns the prefix for scanning all entries holding
// one exact tuple.
func indexEntryTuplePrefix(indexID uint64, tupleKey []byte) []byte {
	key := make([]byte, 0, 1+8+len(tupleKey)+1)
	key = append(key, prefixIndexEntry)
	key = append(key, be64(indexID)...)
	key = append(key, tupleKey...)
	key = append(key, 0x00)
	return key
}

// indexEntryIndexPrefix returns the prefix for scanning every entry of one
// index.
func indexEntryIndexPrefix(indexID uint64) []byte {
	return append([]byte{prefixIndexEntry}, be64(indexID)...)
}

// tokenKey creates a key for a token registry entry.
// Format: prefix + kind byte + name
func tokenKey(kind byte, name string) []byte {
	key := make([]byte, 0, 2+len(name))
	key = append(key, prefixToken)
	key = append(key, kind)
	key = append(key, []byte(name)...)
	return key
}

// extractEntityID extracts the trailing 8-byte entity id of an index key.
func extractEntityID(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(key)-8:])
}

// extractEntryTupleKey extracts the tuple-key section of an index entry key.
func extractEntryTupleKey(key []byte) []byte {
	// prefix (1) + indexID (8) ... tupleKey ... 0x00 + nodeID (8)
	return key[9 : len(key)-9]
}
