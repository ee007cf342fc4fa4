package transport

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildCodecDefaultsToNop(t *testing.T) {
	codec, err := BuildCodec(CodecConfig{})
	require.NoError(t, err)

	packet, err := codec.Compressor.Compress(nil, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), packet)

	sealed, err := codec.Encryptor.Encrypt(packet, nil)
	require.NoError(t, err)
	require.Equal(t, packet, sealed)
}

func TestBuildCodecZstdRoundTrip(t *testing.T) {
	codec, err := BuildCodec(CodecConfig{Compression: "zstd"})
	require.NoError(t, err)

	plain := []byte("a reasonably compressible payload a reasonably compressible payload")
	packet, err := codec.Compressor.Compress(nil, plain)
	require.NoError(t, err)

	back, err := codec.Compressor.Decompress(nil, packet)
	require.NoError(t, err)
	require.Equal(t, plain, back)
}

func TestBuildCodecAEADRoundTrip(t *testing.T) {
	encKey := hex.EncodeToString(make([]byte, 32))
	macKey := hex.EncodeToString(make([]byte, 16))

	codec, err := BuildCodec(CodecConfig{Encryption: "aes-gcm-hmac", EncKeyHex: encKey, MacKeyHex: macKey})
	require.NoError(t, err)

	plain := []byte("device payload")
	sealed, err := codec.Encryptor.Encrypt(plain, nil)
	require.NoError(t, err)
	require.NotEqual(t, plain, sealed)

	back, err := codec.Encryptor.Decrypt(sealed, nil)
	require.NoError(t, err)
	require.Equal(t, plain, back)
}

func TestBuildCodecRejectsUnknownSetting(t *testing.T) {
	_, err := BuildCodec(CodecConfig{Compression: "lz4"})
	require.Error(t, err)

	_, err = BuildCodec(CodecConfig{Encryption: "chacha"})
	require.Error(t, err)
}
