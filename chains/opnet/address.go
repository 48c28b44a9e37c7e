package opnet

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

var (
	// internalAddressPattern matches 32-byte OPNet internal addresses.
	internalAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

	// bech32AddressPattern matches bitcoin (bc, tb, bcrt) and OPNet P2OP (op, opt, opr)
	// addresses.
	bech32AddressPattern = regexp.MustCompile(`^(bc|tb|bcrt|op|opt|opr)1[a-z0-9]{8,87}$`)
)

// ValidAddress reports whether addr is an internal or bech32 address.
func ValidAddress(addr string) bool {
	addr = strings.TrimSpace(addr)
	return internalAddressPattern.MatchString(addr) || bech32AddressPattern.MatchString(addr)
}

// InternalAddress converts a P2TR (witness v1, bech32m) address into the 0x-prefixed
// 32-byte internal address. Internal addresses are returned unchanged.
func InternalAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if internalAddressPattern.MatchString(addr) {
		return addr, nil
	}

	_, data, version, err := bech32.DecodeGeneric(addr)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", addr, err)
	}
	if len(data) < 1 || data[0] != 1 || version != bech32.VersionM {
		return "", fmt.Errorf("%s is not a taproot address", addr)
	}
	program, err := bech32.ConvertBits(data[1:], 5, 8, false)
	if err != nil {
		return "", fmt.Errorf("decode %s witness program: %w", addr, err)
	}
	if len(program) != 32 {
		return "", fmt.Errorf("%s has a %d-byte witness program, expected 32", addr, len(program))
	}
	return "0x" + hex.EncodeToString(program), nil
}
