package archive

import (
	"crypto/aes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncrementLittleEndian(t *testing.T) {
	var c [aes.BlockSize]byte
	c[0] = 0xFF
	incrementLittleEndian(&c)
	assert.Equal(t, byte(0x00), c[0])
	assert.Equal(t, byte(0x01), c[1])

	var wrap [aes.BlockSize]byte
	for i := range wrap {
		wrap[i] = 0xFF
	}
	incrementLittleEndian(&wrap)
	for _, b := range wrap {
		assert.Equal(t, byte(0x00), b)
	}
}

// TestWinzipCTRMatchesLittleEndianCounter pins the keystream to a direct
// block-cipher encryption of the little-endian counter, starting at 1,
// the behavior WinZip AE-1/AE-2 requires and Go's own cipher.NewCTR (a
// big-endian counter starting at the given IV) does not provide.
func TestWinzipCTRMatchesLittleEndianCounter(t *testing.T) {
	key := []byte("0123456789abcdef")
	block, err := aes.NewCipher(key)
	require.NoError(t, err)

	ctr := newWinzipCTR(block)
	plaintext := make([]byte, aes.BlockSize*2)
	ciphertext := make([]byte, len(plaintext))
	ctr.XORKeyStream(ciphertext, plaintext)

	var counter1 [aes.BlockSize]byte
	counter1[0] = 1
	var wantBlock1 [aes.BlockSize]byte
	block.Encrypt(wantBlock1[:], counter1[:])

	counter2 := counter1
	incrementLittleEndian(&counter2)
	var wantBlock2 [aes.BlockSize]byte
	block.Encrypt(wantBlock2[:], counter2[:])

	assert.Equal(t, wantBlock1[:], ciphertext[:aes.BlockSize])
	assert.Equal(t, wantBlock2[:], ciphertext[aes.BlockSize:])
}
