package tpmdevice

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
)

// uncompressedFromECDSA encodes an ECDSA public key as:
// 0x04 || X || Y, each coordinate padded to 32 bytes.
func uncompressedFromECDSA(pub *ecdsa.PublicKey) []byte {
	xBytes := pub.X.Bytes()
	yBytes := pub.Y.Bytes()

	xPadded := make([]byte, 32)
	yPadded := make([]byte, 32)
	copy(xPadded[32-len(xBytes):], xBytes)
	copy(yPadded[32-len(yBytes):], yBytes)

	return append([]byte{0x04}, append(xPadded, yPadded...)...)
}

// FingerprintOf is the lowercase hex SHA-256 of an uncompressed public key.
func FingerprintOf(uncompressed []byte) string {
	sum := sha256.Sum256(uncompressed)
	return hex.EncodeToString(sum[:])
}
