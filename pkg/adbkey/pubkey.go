package adbkey

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
)

// Android public key encoding constants. The format matches adbd's
// android_pubkey.cpp: a little-endian struct of word count, n0inv, modulus,
// rr and exponent, whole blob base64-encoded with a trailing label.
const (
	// ModulusWords is the modulus size in 32-bit words (2048 bits).
	ModulusWords = 64

	// modulusBytes is the modulus size in bytes.
	modulusBytes = ModulusWords * 4

	// encodedSize is the raw blob size before base64.
	encodedSize = 4 + 4 + modulusBytes + modulusBytes + 4
)

// ErrWrongKeySize indicates a key whose modulus is not 2048 bits.
var ErrWrongKeySize = errors.New("modulus is not 2048 bits")

// EncodePublicKey serializes pub in the Android public key format and
// base64-encodes it with the client label, yielding the payload of an
// AUTH(RSAPUBLICKEY) packet (minus the trailing NUL).
func EncodePublicKey(pub *rsa.PublicKey) (string, error) {
	raw, err := encodePublicKeyRaw(pub)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw) + " adb-go@" + Version, nil
}

// encodePublicKeyRaw builds the 524-byte binary blob.
func encodePublicKeyRaw(pub *rsa.PublicKey) ([]byte, error) {
	if pub.N.BitLen() != KeySize {
		return nil, fmt.Errorf("%w: %d bits", ErrWrongKeySize, pub.N.BitLen())
	}

	r32 := new(big.Int).Lsh(big.NewInt(1), 32)

	// n0inv = -1 / N[0] mod 2^32, stored as 2^32 - inverse.
	rem := new(big.Int).Mod(pub.N, r32)
	inv := new(big.Int).ModInverse(rem, r32)
	if inv == nil {
		return nil, errors.New("modulus is not odd")
	}
	n0inv := new(big.Int).Sub(r32, inv)

	// rr = (2^2048)^2 mod N = 2^4096 mod N.
	rr := new(big.Int).Exp(new(big.Int).Lsh(big.NewInt(1), KeySize), big.NewInt(2), pub.N)

	buf := make([]byte, 0, encodedSize)
	buf = binary.LittleEndian.AppendUint32(buf, ModulusWords)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(n0inv.Uint64()))
	buf = append(buf, littleEndianBytes(pub.N, modulusBytes)...)
	buf = append(buf, littleEndianBytes(rr, modulusBytes)...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(pub.E))
	return buf, nil
}

// littleEndianBytes returns n as a little-endian byte slice padded to size.
func littleEndianBytes(n *big.Int, size int) []byte {
	be := n.Bytes()
	out := make([]byte, size)
	for i, b := range be {
		out[len(be)-1-i] = b
	}
	return out
}
