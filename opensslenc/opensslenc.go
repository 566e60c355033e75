// Package opensslenc reads and writes the container produced by
//
//	openssl enc -aes-256-cbc -salt -pbkdf2 -iter N
//
// which is the ASCII magic "Salted__", an 8 byte salt and the AES-256-CBC
// ciphertext of the PKCS#7 padded plaintext. Key and IV are the first 32 and
// next 16 bytes of PBKDF2-HMAC-SHA256(password, salt, N).
package opensslenc

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"io"

	"github.com/awnumar/memguard"
	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	Magic    = "Salted__"
	SaltSize = 8

	// DefaultIterations matches the -iter value the decrypter passes to openssl.
	DefaultIterations = 10000

	keySize = 32
	ivSize  = aes.BlockSize

	// openssl reads at most this many bytes of a -pass file: line.
	maxPassphrase = 1023
)

var (
	ErrNotSalted        = errors.New("opensslenc: missing Salted__ header")
	ErrCiphertextLength = errors.New("opensslenc: ciphertext is not a positive multiple of the block size")
	ErrBadPadding       = errors.New("opensslenc: bad decrypt")
	ErrEmptyPassphrase  = errors.New("opensslenc: empty passphrase")
	ErrIterations       = errors.New("opensslenc: iteration count must be positive")
)

// Encrypt seals plaintext under password with a fresh random salt.
func Encrypt(plaintext, password []byte, iter int) ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, errors.Wrap(err, "opensslenc: generate salt")
	}
	return EncryptWithSalt(plaintext, password, salt, iter)
}

func EncryptWithSalt(plaintext, password, salt []byte, iter int) ([]byte, error) {
	if len(salt) != SaltSize {
		return nil, errors.Errorf("opensslenc: salt must be %d bytes, got %d", SaltSize, len(salt))
	}
	block, iv, err := deriveCipher(password, salt, iter)
	if err != nil {
		return nil, err
	}

	padded := pad(plaintext)
	out := make([]byte, len(Magic)+SaltSize+len(padded))
	copy(out, Magic)
	copy(out[len(Magic):], salt)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[len(Magic)+SaltSize:], padded)
	memguard.WipeBytes(padded)
	return out, nil
}

// Decrypt opens a salted container. A wrong password almost always surfaces
// as ErrBadPadding, as it does with openssl.
func Decrypt(data, password []byte, iter int) ([]byte, error) {
	header := len(Magic) + SaltSize
	if len(data) < header || !bytes.Equal(data[:len(Magic)], []byte(Magic)) {
		return nil, ErrNotSalted
	}
	body := data[header:]
	if len(body) == 0 || len(body)%aes.BlockSize != 0 {
		return nil, ErrCiphertextLength
	}

	block, iv, err := deriveCipher(password, data[len(Magic):header], iter)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)

	n, ok := unpad(plain)
	if !ok {
		memguard.WipeBytes(plain)
		return nil, ErrBadPadding
	}
	return plain[:n], nil
}

// PassphraseFromFile applies openssl's "-pass file:" rules to the contents
// of a password file: only the first line counts, the line ends at the first
// NUL, and at most 1023 bytes are read.
func PassphraseFromFile(content []byte) ([]byte, error) {
	p := content
	if len(p) > maxPassphrase {
		p = p[:maxPassphrase]
	}
	if i := bytes.IndexByte(p, '\n'); i >= 0 {
		p = p[:i]
	}
	if i := bytes.IndexByte(p, 0); i >= 0 {
		p = p[:i]
	}
	if len(p) == 0 {
		return nil, ErrEmptyPassphrase
	}
	return p, nil
}

func deriveCipher(password, salt []byte, iter int) (cipher.Block, []byte, error) {
	if iter < 1 {
		return nil, nil, ErrIterations
	}
	if len(password) == 0 {
		return nil, nil, ErrEmptyPassphrase
	}
	km := pbkdf2.Key(password, salt, iter, keySize+ivSize, sha256.New)
	defer memguard.WipeBytes(km)

	block, err := aes.NewCipher(km[:keySize])
	if err != nil {
		return nil, nil, errors.Wrap(err, "opensslenc: init cipher")
	}
	iv := make([]byte, ivSize)
	copy(iv, km[keySize:])
	return block, iv, nil
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

// unpad checks the padding without branching on the padding bytes.
func unpad(b []byte) (int, bool) {
	if len(b) == 0 {
		return 0, false
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return 0, false
	}
	want := bytes.Repeat([]byte{byte(n)}, n)
	if subtle.ConstantTimeCompare(b[len(b)-n:], want) != 1 {
		return 0, false
	}
	return len(b) - n, true
}
