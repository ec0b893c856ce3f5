package filterval

import (
	"encoding/binary"
	"fmt"
)

// The helpers in this file implement the kind-specific payload layouts
// from spec §6 "Wire format (per filter id)". internal/wire wraps
// whatever Serialize returns here with the shared envelope (filter id,
// kind tag, column-type tag, flags); these functions only ever see the
// kind-specific bytes.

func putLenPrefixed(buf []byte, v []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, v...)
}

func readLenPrefixed(data []byte) (v []byte, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("filterval: truncated length prefix")
	}
	n := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) < n {
		return nil, nil, fmt.Errorf("filterval: truncated value, want %d have %d", n, len(data))
	}
	return data[:n], data[n:], nil
}

// in-set: u32 count, then `count` length-prefixed values in insertion
// order, preceded by a 1-byte null-contained flag.
func encodeInSet(s *InSet) []byte {
	buf := make([]byte, 0, 5+len(s.order)*8)
	if s.containsNull {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(s.order)))
	buf = append(buf, countBuf[:]...)
	for _, v := range s.order {
		buf = putLenPrefixed(buf, v)
	}
	return buf
}

func decodeInSet(data []byte) (values [][]byte, containsNull bool, err error) {
	if len(data) < 5 {
		return nil, false, fmt.Errorf("filterval: truncated in-set payload")
	}
	containsNull = data[0] != 0
	count := binary.BigEndian.Uint32(data[1:5])
	data = data[5:]
	values = make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		var v []byte
		v, data, err = readLenPrefixed(data)
		if err != nil {
			return nil, false, err
		}
		values = append(values, append([]byte(nil), v...))
	}
	return values, containsNull, nil
}

// min-max: two length-prefixed values, each optionally null/absent,
// preceded by two 1-byte "present" flags.
func encodeMinMax(m *MinMax) []byte {
	buf := make([]byte, 0, 16+len(m.lo)+len(m.hi))
	if m.hasLo {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	if m.hasHi {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = putLenPrefixed(buf, m.lo)
	buf = putLenPrefixed(buf, m.hi)
	return buf
}

func decodeMinMax(data []byte) (lo, hi []byte, hasLo, hasHi bool, err error) {
	if len(data) < 2 {
		return nil, nil, false, false, fmt.Errorf("filterval: truncated min-max payload")
	}
	hasLo = data[0] != 0
	hasHi = data[1] != 0
	data = data[2:]
	lo, data, err = readLenPrefixed(data)
	if err != nil {
		return nil, nil, false, false, err
	}
	hi, _, err = readLenPrefixed(data)
	if err != nil {
		return nil, nil, false, false, err
	}
	return append([]byte(nil), lo...), append([]byte(nil), hi...), hasLo, hasHi, nil
}

// bloom: u32 bit-size, u8 hash-fn count, u64 seed1, u64 seed2, 1-byte
// null-contained flag, raw bits.
func encodeBloomHeader(m uint, k uint, seed1, seed2 uint64, containsNull bool) []byte {
	buf := make([]byte, 4+1+8+8+1)
	binary.BigEndian.PutUint32(buf[0:4], uint32(m))
	buf[4] = byte(k)
	binary.BigEndian.PutUint64(buf[5:13], seed1)
	binary.BigEndian.PutUint64(buf[13:21], seed2)
	if containsNull {
		buf[21] = 1
	}
	return buf
}

func decodeBloomHeader(data []byte) (m uint, k uint, seed1, seed2 uint64, containsNull bool, rest []byte, err error) {
	if len(data) < 22 {
		return 0, 0, 0, 0, false, nil, fmt.Errorf("filterval: truncated bloom header")
	}
	m = uint(binary.BigEndian.Uint32(data[0:4]))
	k = uint(data[4])
	seed1 = binary.BigEndian.Uint64(data[5:13])
	seed2 = binary.BigEndian.Uint64(data[13:21])
	containsNull = data[21] != 0
	return m, k, seed1, seed2, containsNull, data[22:], nil
}

// in-or-bloom: one of the above preceded by a u8 discriminator (0 =
// still a set, 1 = promoted to bloom).
const (
	inOrBloomTagSet   byte = 0
	inOrBloomTagBloom byte = 1
)

// bitmap: polarity flag, then the roaring-encoded compressed set.
func encodeBitmapHeader(polarityIn bool) []byte {
	if polarityIn {
		return []byte{1}
	}
	return []byte{0}
}
