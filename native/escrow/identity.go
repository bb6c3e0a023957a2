package escrow

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Identity is an account identifier in canonical form: the EIP-55 checksummed
// hex encoding of a 20-byte address. Two identities are equal iff their
// canonical strings are equal, regardless of the casing they were parsed from.
type Identity string

// ParseIdentity validates raw and returns its canonical form.
func ParseIdentity(raw string) (Identity, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentity, raw)
	}
	return Identity(common.HexToAddress(trimmed).Hex()), nil
}

// MustParseIdentity is ParseIdentity for constants and tests.
func MustParseIdentity(raw string) Identity {
	id, err := ParseIdentity(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// Address returns the 20-byte form.
func (id Identity) Address() common.Address {
	return common.HexToAddress(string(id))
}

// IsZero reports whether the identity is empty or the zero address.
func (id Identity) IsZero() bool {
	if strings.TrimSpace(string(id)) == "" {
		return true
	}
	return id.Address() == (common.Address{})
}

func (id Identity) String() string { return string(id) }

// canonical re-validates an identity that may have been constructed without
// ParseIdentity.
func (id Identity) canonical() (Identity, error) {
	return ParseIdentity(string(id))
}
