// Package secret 提供基于 NaCl secretbox 的对称加密，用于静态存储凭证。
package secret

import (
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

var ErrDecrypt = errors.New("secret: decryption failed")

// Box 持有由口令派生的 32 字节密钥。
type Box struct {
	key [32]byte
}

// NewBox 用 BLAKE2b-256 从口令派生密钥。
func NewBox(passphrase string) *Box {
	return &Box{key: blake2b.Sum256([]byte(passphrase))}
}

// Seal 加密明文，输出为 nonce || 密文。
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &b.key), nil
}

// Open 解密 Seal 的输出。
func (b *Box) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	out, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &b.key)
	if !ok {
		return nil, ErrDecrypt
	}
	return out, nil
}
