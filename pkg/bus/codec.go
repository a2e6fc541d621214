package bus

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"io"

	"github.com/corvid-labs/rookery/pkg/errdefs"
)

// Codec handles at-rest encoding of bus snapshots: optional gzip
// compression followed by optional AES-GCM encryption.
type Codec struct {
	compress bool
	aead     cipher.AEAD
}

// NewCodec builds a codec. hexKey, when non-empty, must decode to a
// 32-byte AES-256 key.
func NewCodec(compress bool, hexKey string) (*Codec, error) {
	c := &Codec{compress: compress}
	if hexKey == "" {
		return c, nil
	}

	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, errdefs.InvalidInput("encryption key is not valid hex")
	}
	if len(key) != 32 {
		return nil, errdefs.InvalidInput("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "build cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "build GCM")
	}
	c.aead = aead
	return c, nil
}

// Encode applies compression then encryption.
func (c *Codec) Encode(data []byte) ([]byte, error) {
	if c.compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, errdefs.Wrap(errdefs.KindInternal, err, "compress snapshot")
		}
		if err := zw.Close(); err != nil {
			return nil, errdefs.Wrap(errdefs.KindInternal, err, "compress snapshot")
		}
		data = buf.Bytes()
	}

	if c.aead != nil {
		nonce := make([]byte, c.aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return nil, errdefs.Wrap(errdefs.KindInternal, err, "generate nonce")
		}
		data = c.aead.Seal(nonce, nonce, data, nil)
	}
	return data, nil
}

// Decode reverses Encode.
func (c *Codec) Decode(data []byte) ([]byte, error) {
	if c.aead != nil {
		ns := c.aead.NonceSize()
		if len(data) < ns {
			return nil, errdefs.InvalidInput("ciphertext shorter than nonce")
		}
		plain, err := c.aead.Open(nil, data[:ns], data[ns:], nil)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindInvalidInput, err, "decrypt snapshot")
		}
		data = plain
	}

	if c.compress {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindInvalidInput, err, "decompress snapshot")
		}
		defer zr.Close()
		plain, err := io.ReadAll(zr)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindInvalidInput, err, "decompress snapshot")
		}
		data = plain
	}
	return data, nil
}
