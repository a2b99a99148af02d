package crypto

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cosmos/go-bip39"
)

// ErrInvalidMnemonic is returned for phrases that fail the BIP-39 checksum.
var ErrInvalidMnemonic = errors.New("invalid mnemonic phrase")

// MnemonicWords is the length of a recovery phrase for a 32-byte seed.
const MnemonicWords = 24

// EntropyToMnemonic converts a 32-byte seed into 24 recovery words.
func EntropyToMnemonic(entropy []byte) (string, error) {
	if len(entropy) != 32 {
		return "", fmt.Errorf("entropy must be 32 bytes, got %d", len(entropy))
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("generating mnemonic: %w", err)
	}

	return mnemonic, nil
}

func normalizeMnemonic(mnemonic string) string {
	return strings.Join(strings.Fields(strings.ToLower(mnemonic)), " ")
}

// MnemonicToEntropy converts mnemonic words back to raw entropy
func MnemonicToEntropy(mnemonic string) ([]byte, error) {
	mnemonic = normalizeMnemonic(mnemonic)

	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}

	// For 24 words: 256 bits entropy + 8 bits checksum = 33 bytes
	data, err := bip39.MnemonicToByteArray(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("decoding mnemonic: %w", err)
	}

	if len(data) != 33 {
		return nil, fmt.Errorf("unexpected data length: %d (expected 33)", len(data))
	}

	return data[:32], nil
}

// ValidateMnemonic checks if a mnemonic phrase is valid
func ValidateMnemonic(mnemonic string) error {
	if !bip39.IsMnemonicValid(normalizeMnemonic(mnemonic)) {
		return ErrInvalidMnemonic
	}
	return nil
}

// IdentityToMnemonic exports the identity seed as a recovery phrase.
func IdentityToMnemonic(id *Identity) (string, error) {
	seed, err := id.ToEntropy()
	if err != nil {
		return "", err
	}
	defer ZeroBytes(seed)
	return EntropyToMnemonic(seed)
}

// IdentityFromMnemonic rebuilds an identity from a recovery phrase.
func IdentityFromMnemonic(mnemonic, name string) (*Identity, error) {
	seed, err := MnemonicToEntropy(mnemonic)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(seed)
	return IdentityFromEntropy(seed, name)
}
