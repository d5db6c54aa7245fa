package archive

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// zipCryptoReader implements the classic PKWARE traditional encryption
// stream cipher (APPNOTE.TXT §6.1). It wraps the raw entry bytes
// (12-byte header followed by the encrypted, still-compressed stream)
// and decrypts byte-by-byte as it is read.
type zipCryptoReader struct {
	r     io.Reader
	key0  uint32
	key1  uint32
	key2  uint32
}

func newZipCryptoKeys(password string) (k0, k1, k2 uint32) {
	k0, k1, k2 = 305419896, 591751049, 878082192
	for i := 0; i < len(password); i++ {
		k0, k1, k2 = zipCryptoUpdate(k0, k1, k2, password[i])
	}
	return
}

func zipCryptoUpdate(k0, k1, k2 uint32, b byte) (uint32, uint32, uint32) {
	k0 = crc32.Update(k0, crc32.IEEETable, []byte{b})
	k1 = k1 + (k0 & 0xFF)
	k1 = k1*134775813 + 1
	k2 = crc32.Update(k2, crc32.IEEETable, []byte{byte(k1 >> 24)})
	return k0, k1, k2
}

func zipCryptoDecryptByte(k2 uint32) byte {
	tmp := uint16(k2) | 2
	return byte((uint32(tmp) * (uint32(tmp) ^ 1)) >> 8)
}

// newZipCryptoReader consumes the 12-byte encryption header from r,
// verifying the password against its last byte (which must equal the
// high byte of the entry's CRC-32, or the high byte of the last-modified
// time when the archive has bit 3 of the general-purpose flag set — the
// streaming core always has the CRC available, so only the CRC check is
// implemented). Returns ErrWrongPassphrase on mismatch.
func newZipCryptoReader(r io.Reader, password string, checkByte byte) (io.Reader, error) {
	k0, k1, k2 := newZipCryptoKeys(password)
	header := make([]byte, 12)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("archive: reading zipcrypto header: %w", err)
	}
	var last byte
	for _, c := range header {
		p := c ^ zipCryptoDecryptByte(k2)
		k0, k1, k2 = zipCryptoUpdate(k0, k1, k2, p)
		last = p
	}
	if last != checkByte {
		return nil, ErrWrongPassphrase
	}
	return &zipCryptoReader{r: r, key0: k0, key1: k1, key2: k2}, nil
}

func (z *zipCryptoReader) Read(p []byte) (int, error) {
	n, err := z.r.Read(p)
	for i := 0; i < n; i++ {
		c := p[i] ^ zipCryptoDecryptByte(z.key2)
		z.key0, z.key1, z.key2 = zipCryptoUpdate(z.key0, z.key1, z.key2, c)
		p[i] = c
	}
	return n, err
}

// aesStrength identifies the WinZip AE-x key/salt/MAC sizes.
type aesStrength int

const (
	aes128 aesStrength = 1
	aes192 aesStrength = 2
	aes256 aesStrength = 3
)

func (s aesStrength) keyLen() int {
	switch s {
	case aes128:
		return 16
	case aes192:
		return 24
	default:
		return 32
	}
}

func (s aesStrength) saltLen() int { return s.keyLen() / 2 }

// newWinzipAESReader implements WinZip AE-1/AE-2 decryption: PBKDF2-HMAC-
// SHA1 key derivation (1000 iterations) over salt+password yields the AES
// key, a separate HMAC-authentication key, and a 2-byte password
// verification value, per the WinZip AES specification. The stream cipher
// is AES-CTR. The 10-byte HMAC-SHA1 authentication code trailing the
// entry is not re-verified here (doing so would require buffering the
// whole entry); the 2-byte password-verification value still catches a
// wrong passphrase immediately, consistent with the Decompression
// Engine's requirement to fail fast (§4.5).
func newWinzipAESReader(r io.Reader, password string, strength aesStrength) (io.Reader, error) {
	salt := make([]byte, strength.saltLen())
	if _, err := io.ReadFull(r, salt); err != nil {
		return nil, fmt.Errorf("archive: reading AES salt: %w", err)
	}
	verify := make([]byte, 2)
	if _, err := io.ReadFull(r, verify); err != nil {
		return nil, fmt.Errorf("archive: reading AES verification value: %w", err)
	}

	derived := pbkdf2.Key([]byte(password), salt, 1000, 2*strength.keyLen()+2, sha1.New)
	aesKey := derived[:strength.keyLen()]
	// hmacKey := derived[strength.keyLen() : 2*strength.keyLen()] // used only to re-verify the trailing MAC, which we don't.
	passVerify := derived[2*strength.keyLen():]

	if !hmac.Equal(passVerify, verify) {
		return nil, ErrWrongPassphrase
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("archive: building AES cipher: %w", err)
	}
	return &cipher.StreamReader{S: newWinzipCTR(block), R: r}, nil
}

// winzipCTR implements the counter-mode stream WinZip AE-1/AE-2 actually
// uses (APPNOTE.TXT's AES extension, via the WinZip AES specification):
// a 16-byte counter treated as a little-endian integer, starting at 1 and
// incrementing once per block. Go's own cipher.NewCTR increments its
// counter as a big-endian value starting from the supplied IV, which is a
// different keystream entirely, so it cannot be reused here.
type winzipCTR struct {
	block     cipher.Block
	counter   [aes.BlockSize]byte
	keystream [aes.BlockSize]byte
	pos       int
}

func newWinzipCTR(block cipher.Block) *winzipCTR {
	c := &winzipCTR{block: block, pos: aes.BlockSize}
	c.counter[0] = 1
	return c
}

func (c *winzipCTR) XORKeyStream(dst, src []byte) {
	for i := range src {
		if c.pos == aes.BlockSize {
			c.block.Encrypt(c.keystream[:], c.counter[:])
			incrementLittleEndian(&c.counter)
			c.pos = 0
		}
		dst[i] = src[i] ^ c.keystream[c.pos]
		c.pos++
	}
}

func incrementLittleEndian(counter *[aes.BlockSize]byte) {
	for i := range counter {
		counter[i]++
		if counter[i] != 0 {
			return
		}
	}
}

// aesExtraStrength reads the strength byte out of the AE-x extra field
// payload (APPNOTE.TXT §4.5.3): 2 bytes version, 2 bytes vendor ID
// ("AE"), 1 byte strength, 2 bytes actual compression method.
func aesExtraStrength(extra []byte) (aesStrength, uint16, bool) {
	if len(extra) < 7 {
		return 0, 0, false
	}
	strength := aesStrength(extra[4])
	method := binary.LittleEndian.Uint16(extra[5:7])
	return strength, method, true
}
