package transport

import (
	"encoding/hex"
	"fmt"

	"github.com/meshgate/gatewaysession/internal/network/compressor"
	"github.com/meshgate/gatewaysession/internal/network/crypto"
	"github.com/meshgate/gatewaysession/internal/network/serializer"
)

// CodecConfig selects the wire-level compression and encryption a
// Listener (and any dialer) should use, read from the "transport"
// config section alongside ListenAddr.
type CodecConfig struct {
	Compression string `mapstructure:"compression"` // "" or "none" (default), "zstd"
	Encryption  string `mapstructure:"encryption"`  // "" or "none" (default), "aes-gcm-hmac"
	EncKeyHex   string `mapstructure:"encKeyHex"`    // 32-byte AES-256 key, hex-encoded
	MacKeyHex   string `mapstructure:"macKeyHex"`    // HMAC key, hex-encoded
}

// BuildCodec resolves a CodecConfig into a concrete Codec, falling back
// to the no-op compressor/encryptor for an empty or "none" setting.
func BuildCodec(cfg CodecConfig) (Codec, error) {
	codec := Codec{Serializer: serializer.JSONSerializer{}}

	switch cfg.Compression {
	case "", "none":
		codec.Compressor = compressor.NopCompressor{}
	case "zstd":
		zc, err := compressor.NewZstdCompressor()
		if err != nil {
			return Codec{}, fmt.Errorf("build zstd compressor: %w", err)
		}
		codec.Compressor = zc
	default:
		return Codec{}, fmt.Errorf("unknown transport.compression %q", cfg.Compression)
	}

	switch cfg.Encryption {
	case "", "none":
		codec.Encryptor = crypto.NopEncryptor{}
	case "aes-gcm-hmac":
		encKey, err := hex.DecodeString(cfg.EncKeyHex)
		if err != nil {
			return Codec{}, fmt.Errorf("decode transport.encKeyHex: %w", err)
		}
		macKey, err := hex.DecodeString(cfg.MacKeyHex)
		if err != nil {
			return Codec{}, fmt.Errorf("decode transport.macKeyHex: %w", err)
		}
		aead, err := crypto.NewAESGCMHMACCodec(encKey, macKey)
		if err != nil {
			return Codec{}, fmt.Errorf("build aes-gcm-hmac encryptor: %w", err)
		}
		codec.Encryptor = aead
	default:
		return Codec{}, fmt.Errorf("unknown transport.encryption %q", cfg.Encryption)
	}

	return codec, nil
}
