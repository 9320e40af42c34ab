package ethtypes

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

const (
	AddressLength = 20
	HashLength    = 32
)

// Address is a 20-byte EVM address. The canonical string form is
// lowercase 0x-prefixed hex; all comparisons in this codebase go through
// that form so address case never matters.
type Address [AddressLength]byte

// ZeroAddress is the all-zero address, used by contracts as a "not set"
// marker.
var ZeroAddress = Address{}

func ParseAddress(s string) (Address, error) {
	b, err := decodeHexString(s, AddressLength)
	if err != nil {
		return Address{}, err
	}
	var a Address
	copy(a[AddressLength-len(b):], b)
	return a, nil
}

// MustParseAddress panics on malformed input. Only for static
// initializers and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

func (a Address) IsZero() bool {
	return a == ZeroAddress
}

func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Address) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	addr, err := ParseAddress(s)
	if err != nil {
		return err
	}
	copy(a[:], addr[:])
	return nil
}

// Hash is a 32-byte value: transaction hashes, log topics, keccak
// digests.
type Hash [HashLength]byte

func ParseHash(s string) (Hash, error) {
	b, err := decodeHexString(s, HashLength)
	if err != nil {
		return Hash{}, err
	}
	var h Hash
	copy(h[HashLength-len(b):], b)
	return h, nil
}

func MustParseHash(s string) Hash {
	h, err := ParseHash(s)
	if err != nil {
		panic(err)
	}
	return h
}

func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

func (h *Hash) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	hash, err := ParseHash(s)
	if err != nil {
		return err
	}
	copy(h[:], hash[:])
	return nil
}

// Bytes is a variable-length byte string that marshals to 0x-prefixed
// hex, as used for call data and log data fields.
type Bytes []byte

func (b Bytes) String() string {
	return "0x" + hex.EncodeToString(b)
}

func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

func (b *Bytes) UnmarshalJSON(in []byte) error {
	var s string
	if err := json.Unmarshal(in, &s); err != nil {
		return err
	}
	decoded, err := DecodeHexString(s)
	if err != nil {
		return err
	}
	*b = decoded
	return nil
}

// Uint64 marshals to the 0x-prefixed hex quantity form the JSON-RPC wire
// uses for block numbers and log indexes.
type Uint64 uint64

func (e Uint64) Hex() string {
	if e == 0 {
		return "0x0"
	}
	return "0x" + strconv.FormatUint(uint64(e), 16)
}

func (e Uint64) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Hex())
}

func (e *Uint64) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		base := 10
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			base = 16
			s = s[2:]
		}
		v, err := strconv.ParseUint(s, base, 64)
		if err != nil {
			return err
		}
		*e = Uint64(v)
		return nil
	}
	v, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return xerrors.Errorf("cannot interpret %s as a hex quantity or a number", string(b))
	}
	*e = Uint64(v)
	return nil
}

// Log is one event log entry as returned by eth_getLogs.
type Log struct {
	Address Address `json:"address"`

	// Topics[0] is the event signature topic; the rest are indexed
	// arguments.
	Topics []Hash `json:"topics"`

	// Data holds the non-indexed arguments, ABI-encoded.
	Data Bytes `json:"data"`

	BlockNumber Uint64 `json:"blockNumber"`
	TxHash      Hash   `json:"transactionHash"`
	LogIndex    Uint64 `json:"logIndex"`
	Removed     bool   `json:"removed"`
}

func DecodeHexString(s string) ([]byte, error) {
	s = handleHexStringPrefix(s)
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, xerrors.Errorf("cannot parse hex value: %w", err)
	}
	return b, nil
}

func decodeHexString(s string, length int) ([]byte, error) {
	b, err := DecodeHexString(s)
	if err != nil {
		return nil, err
	}
	if len(b) > length {
		return nil, xerrors.Errorf("length of decoded bytes is longer than %d", length)
	}
	return b, nil
}

func handleHexStringPrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	return s
}
