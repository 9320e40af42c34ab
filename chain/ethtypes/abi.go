package ethtypes

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
	"golang.org/x/xerrors"
)

// WordLength is the size of one ABI head word.
const WordLength = 32

func keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

// EventTopic returns the topic hash for an event signature such as
// "JobResultSubmitted(uint64,uint64,bytes)".
func EventTopic(signature string) Hash {
	var h Hash
	copy(h[:], keccak256([]byte(signature)))
	return h
}

// MethodSelector returns the 4-byte function selector for a signature
// such as "balanceOf(address)".
func MethodSelector(signature string) []byte {
	return keccak256([]byte(signature))[:4]
}

// Uint64Word encodes v as a left-padded 32-byte ABI word.
func Uint64Word(v uint64) []byte {
	var w [WordLength]byte
	binary.BigEndian.PutUint64(w[WordLength-8:], v)
	return w[:]
}

// AddressWord encodes a as a left-padded 32-byte ABI word.
func AddressWord(a Address) []byte {
	var w [WordLength]byte
	copy(w[WordLength-AddressLength:], a[:])
	return w[:]
}

// TopicForUint64 encodes v the way an indexed uint64 argument appears in
// a log topic.
func TopicForUint64(v uint64) Hash {
	var h Hash
	copy(h[:], Uint64Word(v))
	return h
}

// CallData assembles call data from a method signature and pre-encoded
// argument words.
func CallData(signature string, words ...[]byte) Bytes {
	out := make([]byte, 0, 4+len(words)*WordLength)
	out = append(out, MethodSelector(signature)...)
	for _, w := range words {
		out = append(out, w...)
	}
	return out
}

func word(data []byte, i int) ([]byte, error) {
	off := i * WordLength
	if len(data) < off+WordLength {
		return nil, xerrors.Errorf("abi data too short: want word %d, have %d bytes", i, len(data))
	}
	return data[off : off+WordLength], nil
}

// DecodeAddressWord reads the i-th head word as an address.
func DecodeAddressWord(data []byte, i int) (Address, error) {
	w, err := word(data, i)
	if err != nil {
		return Address{}, err
	}
	var a Address
	copy(a[:], w[WordLength-AddressLength:])
	return a, nil
}

// DecodeUint64Word reads the i-th head word as a uint64, rejecting
// values that overflow 64 bits.
func DecodeUint64Word(data []byte, i int) (uint64, error) {
	w, err := word(data, i)
	if err != nil {
		return 0, err
	}
	for _, b := range w[:WordLength-8] {
		if b != 0 {
			return 0, xerrors.Errorf("abi word %d overflows uint64", i)
		}
	}
	return binary.BigEndian.Uint64(w[WordLength-8:]), nil
}

// DecodeStringWord reads the i-th head word as an offset to a dynamic
// string in the tail and returns the string.
func DecodeStringWord(data []byte, i int) (string, error) {
	off, err := DecodeUint64Word(data, i)
	if err != nil {
		return "", err
	}
	if off > uint64(len(data)) || off%WordLength != 0 {
		return "", xerrors.Errorf("abi string offset %d out of range", off)
	}
	tail := data[off:]
	if len(tail) < WordLength {
		return "", xerrors.Errorf("abi string at offset %d has no length word", off)
	}
	strlen := binary.BigEndian.Uint64(tail[WordLength-8 : WordLength])
	if uint64(len(tail)-WordLength) < strlen {
		return "", xerrors.Errorf("abi string truncated: want %d bytes, have %d", strlen, len(tail)-WordLength)
	}
	return string(tail[WordLength : WordLength+strlen]), nil
}

// DecodeBigWord reads the i-th head word as an unsigned big integer and
// returns it as a uint64 if it fits, saturating at MaxUint64 otherwise.
// Vault balances can in principle exceed 64 bits; the discovery read
// path only needs a display-grade magnitude.
func DecodeBigWord(data []byte, i int) (uint64, error) {
	w, err := word(data, i)
	if err != nil {
		return 0, err
	}
	for _, b := range w[:WordLength-8] {
		if b != 0 {
			return ^uint64(0), nil
		}
	}
	return binary.BigEndian.Uint64(w[WordLength-8:]), nil
}

// DecodeBoolWord reads the i-th head word as a bool.
func DecodeBoolWord(data []byte, i int) (bool, error) {
	v, err := DecodeUint64Word(data, i)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}
