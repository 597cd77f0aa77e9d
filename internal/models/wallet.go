package models

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NormalizeWallet canonicalizes a wallet identifier to lowercase 0x-prefixed
// hex. Wallets are opaque 20-byte values; all comparisons happen on the
// canonical form.
func NormalizeWallet(wallet string) (string, error) {
	w := strings.TrimSpace(wallet)
	if !common.IsHexAddress(w) {
		return "", fmt.Errorf("%w: wallet %q is not a valid address", ErrValidation, wallet)
	}
	return strings.ToLower(common.HexToAddress(w).Hex()), nil
}

// SameWallet compares two wallet identifiers case-insensitively. Invalid
// inputs never compare equal.
func SameWallet(a, b string) bool {
	na, errA := NormalizeWallet(a)
	nb, errB := NormalizeWallet(b)
	if errA != nil || errB != nil {
		return false
	}
	return na == nb
}
