package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix defines the human-readable address prefixes used by the
// protocol.
type AddressPrefix string

const (
	// AccountPrefix is used for participant accounts (borrowers, lenders,
	// delegates, fee recipients).
	AccountPrefix AddressPrefix = "loan"
	// VaultPrefix is used for protocol-owned custody addresses.
	VaultPrefix AddressPrefix = "vault"
)

// Address represents a 20-byte account address with a specific prefix.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

func NewAddress(prefix AddressPrefix, b []byte) Address {
	if len(b) != 20 {
		panic("address must be 20 bytes long")
	}
	return Address{prefix: prefix, bytes: b}
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return a.bytes
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return NewAddress(AddressPrefix(prefix), conv), nil
}

// ModuleAddress derives the deterministic 20-byte address of a protocol-owned
// module account from its name. No private key exists for these addresses.
func ModuleAddress(name string) [20]byte {
	var addr [20]byte
	digest := crypto.Keccak256([]byte("loanchain/module/" + name))
	copy(addr[:], digest[12:])
	return addr
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

func (k *PublicKey) Address() Address {
	addrBytes := crypto.PubkeyToAddress(*k.PublicKey).Bytes()
	return NewAddress(AccountPrefix, addrBytes)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Sign produces a 65-byte recoverable signature over the supplied 32-byte
// digest.
func (k *PrivateKey) Sign(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("crypto: digest must be 32 bytes (got %d)", len(digest))
	}
	return crypto.Sign(digest, k.PrivateKey)
}

// RecoverAddress recovers the 20-byte signer address from a 65-byte
// recoverable signature over the given digest.
func RecoverAddress(digest, sig []byte) ([20]byte, error) {
	var addr [20]byte
	if len(digest) != 32 {
		return addr, fmt.Errorf("crypto: digest must be 32 bytes (got %d)", len(digest))
	}
	if len(sig) != 65 {
		return addr, fmt.Errorf("crypto: signature must be 65 bytes (got %d)", len(sig))
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return addr, fmt.Errorf("crypto: recover signer: %w", err)
	}
	copy(addr[:], crypto.PubkeyToAddress(*pub).Bytes())
	return addr, nil
}
