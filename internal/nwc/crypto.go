package nwc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

// Payload crypto for the wallet channel. The classic scheme is AES-256-CBC
// over the raw ECDH X coordinate with a "?iv=" base64 suffix; the v2 scheme
// is ChaCha20 with an HKDF conversation key and an HMAC over nonce and
// ciphertext. Decryption picks the scheme from the payload shape.

var errBadPayload = errors.New("malformed encrypted payload")

// sharedX computes the raw X coordinate of the ECDH point between our
// secret and the wallet's x-only pubkey.
func sharedX(secretHex, pubkeyHex string) ([32]byte, error) {
	var out [32]byte
	secretRaw, err := hex.DecodeString(secretHex)
	if err != nil || len(secretRaw) != 32 {
		return out, errors.New("bad secret key")
	}
	priv := secp256k1.PrivKeyFromBytes(secretRaw)

	pubRaw, err := hex.DecodeString(pubkeyHex)
	if err != nil || len(pubRaw) != 32 {
		return out, errors.New("bad pubkey")
	}
	pub, err := secp256k1.ParsePubKey(append([]byte{0x02}, pubRaw...))
	if err != nil {
		return out, fmt.Errorf("bad pubkey: %w", err)
	}

	var point, result secp256k1.JacobianPoint
	pub.AsJacobian(&point)
	secp256k1.ScalarMultNonConst(&priv.Key, &point, &result)
	result.ToAffine()
	result.X.Normalize()
	result.X.PutBytes(&out)
	return out, nil
}

// --- classic scheme (AES-256-CBC, "?iv=" suffix) ---

func encryptNIP04(shared [32]byte, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(shared[:])
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}

	padLen := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := make([]byte, len(plaintext)+padLen)
	copy(padded, plaintext)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}

	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	return base64.StdEncoding.EncodeToString(ct) + "?iv=" + base64.StdEncoding.EncodeToString(iv), nil
}

func decryptNIP04(shared [32]byte, payload string) ([]byte, error) {
	ctB64, ivB64, found := strings.Cut(payload, "?iv=")
	if !found {
		return nil, errBadPayload
	}
	ct, err := base64.StdEncoding.DecodeString(ctB64)
	if err != nil {
		return nil, errBadPayload
	}
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil || len(iv) != aes.BlockSize || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, errBadPayload
	}

	block, err := aes.NewCipher(shared[:])
	if err != nil {
		return nil, err
	}
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)

	padLen := int(pt[len(pt)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(pt) {
		return nil, errBadPayload
	}
	return pt[:len(pt)-padLen], nil
}

// --- v2 scheme (ChaCha20 + HKDF + HMAC-SHA256) ---

const nip44Version = 2

// conversationKey derives the long-lived key for a peer pair.
func conversationKey(shared [32]byte) []byte {
	return hkdf.Extract(sha256.New, shared[:], []byte("nip44-v2"))
}

// messageKeys expands per-message ChaCha20 and HMAC keys from the nonce.
func messageKeys(convKey, nonce []byte) (chachaKey, chachaNonce, hmacKey []byte, err error) {
	r := hkdf.Expand(sha256.New, convKey, nonce)
	buf := make([]byte, 76)
	if _, err = io.ReadFull(r, buf); err != nil {
		return nil, nil, nil, err
	}
	return buf[0:32], buf[32:44], buf[44:76], nil
}

// paddedLen rounds the plaintext length up to the scheme's chunk boundary.
func paddedLen(unpadded int) int {
	if unpadded <= 32 {
		return 32
	}
	nextPower := 1 << (bits.Len(uint(unpadded-1)))
	chunk := 32
	if nextPower > 256 {
		chunk = nextPower / 8
	}
	return chunk * ((unpadded-1)/chunk + 1)
}

func encryptNIP44(shared [32]byte, plaintext []byte) (string, error) {
	if len(plaintext) == 0 || len(plaintext) > 65535 {
		return "", errors.New("plaintext length out of range")
	}
	convKey := conversationKey(shared)
	nonce := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	chachaKey, chachaNonce, hmacKey, err := messageKeys(convKey, nonce)
	if err != nil {
		return "", err
	}

	padded := make([]byte, 2+paddedLen(len(plaintext)))
	binary.BigEndian.PutUint16(padded[:2], uint16(len(plaintext)))
	copy(padded[2:], plaintext)

	stream, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", err
	}
	ct := make([]byte, len(padded))
	stream.XORKeyStream(ct, padded)

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(nonce)
	mac.Write(ct)

	payload := make([]byte, 0, 1+len(nonce)+len(ct)+sha256.Size)
	payload = append(payload, nip44Version)
	payload = append(payload, nonce...)
	payload = append(payload, ct...)
	payload = append(payload, mac.Sum(nil)...)
	return base64.StdEncoding.EncodeToString(payload), nil
}

func decryptNIP44(shared [32]byte, payload string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, errBadPayload
	}
	if len(raw) < 1+32+32+sha256.Size || raw[0] != nip44Version {
		return nil, errBadPayload
	}
	nonce := raw[1:33]
	ct := raw[33 : len(raw)-sha256.Size]
	gotMAC := raw[len(raw)-sha256.Size:]

	convKey := conversationKey(shared)
	chachaKey, chachaNonce, hmacKey, err := messageKeys(convKey, nonce)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(nonce)
	mac.Write(ct)
	if !hmac.Equal(mac.Sum(nil), gotMAC) {
		return nil, errors.New("payload authentication failed")
	}

	stream, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return nil, err
	}
	padded := make([]byte, len(ct))
	stream.XORKeyStream(padded, ct)

	if len(padded) < 2 {
		return nil, errBadPayload
	}
	ptLen := int(binary.BigEndian.Uint16(padded[:2]))
	if ptLen == 0 || 2+ptLen > len(padded) || len(padded) != 2+paddedLen(ptLen) {
		return nil, errBadPayload
	}
	return padded[2 : 2+ptLen], nil
}

// encrypt selects the scheme configured for this wallet.
func (u *URI) encrypt(plaintext []byte) (string, error) {
	shared, err := sharedX(u.Secret, u.WalletPubkey)
	if err != nil {
		return "", err
	}
	if u.UseNIP44 {
		return encryptNIP44(shared, plaintext)
	}
	return encryptNIP04(shared, plaintext)
}

// decrypt detects the scheme from the payload shape: the classic scheme
// always carries a "?iv=" suffix.
func (u *URI) decrypt(payload string) ([]byte, error) {
	shared, err := sharedX(u.Secret, u.WalletPubkey)
	if err != nil {
		return nil, err
	}
	if strings.Contains(payload, "?iv=") {
		return decryptNIP04(shared, payload)
	}
	return decryptNIP44(shared, payload)
}
