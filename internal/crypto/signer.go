// Package crypto implements EIP-712 hashing, signing and signature recovery
// for matchcore orders and cancel requests.
package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// DomainName and DomainVersion identify the exchange in every typed-data
// signature.
const (
	DomainName    = "Foresight Market"
	DomainVersion = "1"
)

var (
	// EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)

	// Order(address maker,uint256 outcomeIndex,bool isBuy,uint256 price,uint256 amount,uint256 salt,uint256 expiry)
	orderTypeHash = ethcrypto.Keccak256(
		[]byte("Order(address maker,uint256 outcomeIndex,bool isBuy,uint256 price,uint256 amount,uint256 salt,uint256 expiry)"),
	)

	// CancelSaltRequest(address maker,uint256 salt)
	cancelTypeHash = ethcrypto.Keccak256(
		[]byte("CancelSaltRequest(address maker,uint256 salt)"),
	)
)

var (
	ErrBadSignature = errors.New("crypto: malformed signature")
	ErrBadAddress   = errors.New("crypto: malformed address")
	ErrBadNumber    = errors.New("crypto: malformed number")
)

// Domain is the EIP-712 domain of one deployment.
type Domain struct {
	ChainID           int64
	VerifyingContract string
}

// OrderPayload is the signed portion of an order. Numbers are base-10
// strings so they survive JSON without precision loss.
type OrderPayload struct {
	Maker        string
	OutcomeIndex int
	IsBuy        bool
	Price        string
	Amount       string
	Salt         string
	Expiry       int64
}

// CancelPayload authorises cancelling every order of maker with salt.
type CancelPayload struct {
	Maker string
	Salt  string
}

// IsAddress reports whether s is a 0x-prefixed 20-byte hex address.
func IsAddress(s string) bool {
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

// OrderDigest returns the EIP-712 digest a maker signs for o.
func OrderDigest(d Domain, o OrderPayload) ([]byte, error) {
	structHash, err := orderStructHash(o)
	if err != nil {
		return nil, err
	}
	sep, err := domainSeparator(d)
	if err != nil {
		return nil, err
	}
	return eip712Hash(sep, structHash), nil
}

// CancelDigest returns the EIP-712 digest a maker signs to cancel by salt.
func CancelDigest(d Domain, c CancelPayload) ([]byte, error) {
	if !IsAddress(c.Maker) {
		return nil, fmt.Errorf("%w: maker %q", ErrBadAddress, c.Maker)
	}
	salt, err := parseUint(c.Salt, "salt")
	if err != nil {
		return nil, err
	}
	sep, err := domainSeparator(d)
	if err != nil {
		return nil, err
	}
	structHash := ethcrypto.Keccak256(
		concatBytes(
			cancelTypeHash,
			common.LeftPadBytes(common.HexToAddress(c.Maker).Bytes(), 32),
			bigIntTo32Bytes(salt),
		),
	)
	return eip712Hash(sep, structHash), nil
}

// VerifyOrder reports whether signature over o was produced by o.Maker.
func VerifyOrder(d Domain, o OrderPayload, signature string) (bool, error) {
	digest, err := OrderDigest(d, o)
	if err != nil {
		return false, err
	}
	return verify(digest, signature, o.Maker)
}

// VerifyCancel reports whether signature over c was produced by c.Maker.
func VerifyCancel(d Domain, c CancelPayload, signature string) (bool, error) {
	digest, err := CancelDigest(d, c)
	if err != nil {
		return false, err
	}
	return verify(digest, signature, c.Maker)
}

// Recover returns the address that produced signature over digest.
func Recover(digest []byte, signature string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil || len(sig) != 65 {
		return common.Address{}, ErrBadSignature
	}
	// Wallets emit v in {27,28}; SigToPub wants {0,1}.
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return common.Address{}, ErrBadSignature
	}
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

func verify(digest []byte, signature, maker string) (bool, error) {
	addr, err := Recover(digest, signature)
	if err != nil {
		return false, err
	}
	return addr == common.HexToAddress(maker), nil
}

// Signer signs typed data with a secp256k1 key. Production nodes only
// verify; Signer exists for clients, tooling and tests.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// GenerateSigner creates a Signer with a fresh random key.
func GenerateSigner() (*Signer, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: generate key: %w", err)
	}
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// Address returns the checksummed hex address of the key.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// SignOrder returns a 65-byte hex signature over o.
func (s *Signer) SignOrder(d Domain, o OrderPayload) (string, error) {
	digest, err := OrderDigest(d, o)
	if err != nil {
		return "", err
	}
	return s.signDigest(digest)
}

// SignCancel returns a 65-byte hex signature over c.
func (s *Signer) SignCancel(d Domain, c CancelPayload) (string, error) {
	digest, err := CancelDigest(d, c)
	if err != nil {
		return "", err
	}
	return s.signDigest(digest)
}

func domainSeparator(d Domain) ([]byte, error) {
	if !IsAddress(d.VerifyingContract) {
		return nil, fmt.Errorf("%w: verifying contract %q", ErrBadAddress, d.VerifyingContract)
	}
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(DomainName)),
			ethcrypto.Keccak256([]byte(DomainVersion)),
			bigIntTo32Bytes(big.NewInt(d.ChainID)),
			common.LeftPadBytes(common.HexToAddress(d.VerifyingContract).Bytes(), 32),
		),
	), nil
}

// eip712Hash computes keccak256("\x19\x01" || domainSeparator || structHash).
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(concatBytes([]byte{0x19, 0x01}, domainSep, structHash))
}

// signDigest signs a 32-byte digest and returns r || s || v with v in {27,28}.
func (s *Signer) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

func orderStructHash(o OrderPayload) ([]byte, error) {
	if !IsAddress(o.Maker) {
		return nil, fmt.Errorf("%w: maker %q", ErrBadAddress, o.Maker)
	}
	price, err := parseUint(o.Price, "price")
	if err != nil {
		return nil, err
	}
	amount, err := parseUint(o.Amount, "amount")
	if err != nil {
		return nil, err
	}
	salt, err := parseUint(o.Salt, "salt")
	if err != nil {
		return nil, err
	}
	if o.OutcomeIndex < 0 || o.Expiry < 0 {
		return nil, fmt.Errorf("%w: negative outcome index or expiry", ErrBadNumber)
	}
	isBuy := big.NewInt(0)
	if o.IsBuy {
		isBuy = big.NewInt(1)
	}

	return ethcrypto.Keccak256(
		concatBytes(
			orderTypeHash,
			common.LeftPadBytes(common.HexToAddress(o.Maker).Bytes(), 32),
			bigIntTo32Bytes(big.NewInt(int64(o.OutcomeIndex))),
			bigIntTo32Bytes(isBuy),
			bigIntTo32Bytes(price),
			bigIntTo32Bytes(amount),
			bigIntTo32Bytes(salt),
			bigIntTo32Bytes(big.NewInt(o.Expiry)),
		),
	), nil
}

func parseUint(s, field string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 || n.BitLen() > 256 {
		return nil, fmt.Errorf("%w: %s %q", ErrBadNumber, field, s)
	}
	return n, nil
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
