package nwc

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	testWalletPubkey = "b889ff5b1513b641e2a139f661a661364979c5beee91842f8f0ef42ab558e9d4"
	testSecret       = "71a8c14c1407c113601079c4302dab36460f0ccd0ad506f1f2dc73b5100e4f3c"
)

func testConnString() string {
	return "nostr+walletconnect://" + testWalletPubkey +
		"?relay=wss%3A%2F%2Frelay.example.com&secret=" + testSecret
}

func TestParseURI(t *testing.T) {
	uri, err := ParseURI(testConnString())
	if err != nil {
		t.Fatalf("ParseURI() error = %v", err)
	}
	if uri.WalletPubkey != testWalletPubkey {
		t.Errorf("WalletPubkey = %s", uri.WalletPubkey)
	}
	if !strings.HasPrefix(uri.RelayURL, "wss://relay.example.com") {
		t.Errorf("RelayURL = %s", uri.RelayURL)
	}
	if uri.Secret != testSecret {
		t.Errorf("Secret = %s", uri.Secret)
	}
	if uri.UseNIP44 {
		t.Error("UseNIP44 = true without the encryption param")
	}
}

func TestParseURIRejectsGarbage(t *testing.T) {
	bad := []string{
		"invalid://test",
		"nostr+walletconnect://nothex?relay=wss%3A%2F%2Fr&secret=" + testSecret,
		"nostr+walletconnect://" + testWalletPubkey + "?secret=" + testSecret,
		"nostr+walletconnect://" + testWalletPubkey + "?relay=wss%3A%2F%2Fr&secret=zz",
	}
	for _, s := range bad {
		if _, err := ParseURI(s); err == nil {
			t.Errorf("ParseURI(%q) accepted invalid input", s)
		}
	}
}

func TestParseURIEncryptionHint(t *testing.T) {
	uri, err := ParseURI(testConnString() + "&encryption=nip44")
	if err != nil {
		t.Fatalf("ParseURI() error = %v", err)
	}
	if !uri.UseNIP44 {
		t.Error("UseNIP44 = false with encryption=nip44")
	}
}

// peerShared derives the shared secret from the wallet's perspective, to
// prove the ECDH is symmetric.
func peerShared(t *testing.T, ourSecretHex, theirPubHex string) [32]byte {
	t.Helper()
	shared, err := sharedX(ourSecretHex, theirPubHex)
	if err != nil {
		t.Fatalf("sharedX() error = %v", err)
	}
	return shared
}

func testKeypair(t *testing.T) (secretHex, pubHex string) {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return hex.EncodeToString(priv.Serialize()),
		hex.EncodeToString(priv.PubKey().SerializeCompressed()[1:])
}

func TestSharedSecretIsSymmetric(t *testing.T) {
	aliceSecret, alicePub := testKeypair(t)
	bobSecret, bobPub := testKeypair(t)

	ab := peerShared(t, aliceSecret, bobPub)
	ba := peerShared(t, bobSecret, alicePub)
	if ab != ba {
		t.Error("ECDH not symmetric")
	}
}

func TestNIP04RoundTrip(t *testing.T) {
	aliceSecret, _ := testKeypair(t)
	_, bobPub := testKeypair(t)
	shared := peerShared(t, aliceSecret, bobPub)

	plaintext := []byte(`{"method":"make_invoice","params":{"amount":21000}}`)
	payload, err := encryptNIP04(shared, plaintext)
	if err != nil {
		t.Fatalf("encryptNIP04() error = %v", err)
	}
	if !strings.Contains(payload, "?iv=") {
		t.Error("payload missing iv suffix")
	}

	got, err := decryptNIP04(shared, payload)
	if err != nil {
		t.Fatalf("decryptNIP04() error = %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip = %q, want %q", got, plaintext)
	}
}

func TestNIP04RejectsMissingIV(t *testing.T) {
	var shared [32]byte
	if _, err := decryptNIP04(shared, "bm90aGluZw=="); err == nil {
		t.Error("decryptNIP04() accepted a payload without iv")
	}
}

func TestNIP44RoundTrip(t *testing.T) {
	aliceSecret, _ := testKeypair(t)
	_, bobPub := testKeypair(t)
	shared := peerShared(t, aliceSecret, bobPub)

	for _, plaintext := range []string{"a", "hello world", strings.Repeat("x", 1000)} {
		payload, err := encryptNIP44(shared, []byte(plaintext))
		if err != nil {
			t.Fatalf("encryptNIP44() error = %v", err)
		}
		got, err := decryptNIP44(shared, payload)
		if err != nil {
			t.Fatalf("decryptNIP44() error = %v", err)
		}
		if string(got) != plaintext {
			t.Errorf("round trip = %q, want %q", got, plaintext)
		}
	}
}

func TestNIP44RejectsTamperedPayload(t *testing.T) {
	aliceSecret, _ := testKeypair(t)
	_, bobPub := testKeypair(t)
	shared := peerShared(t, aliceSecret, bobPub)

	payload, err := encryptNIP44(shared, []byte("secret"))
	if err != nil {
		t.Fatalf("encryptNIP44() error = %v", err)
	}
	tampered := []byte(payload)
	tampered[len(tampered)/2] ^= 0x01
	if _, err := decryptNIP44(shared, string(tampered)); err == nil {
		t.Error("decryptNIP44() accepted a tampered payload")
	}
}

func TestPaddedLen(t *testing.T) {
	tests := []struct {
		unpadded, want int
	}{
		{1, 32},
		{32, 32},
		{33, 64},
		{37, 64},
		{64, 64},
		{65, 96},
		{100, 128},
		{257, 320},
	}
	for _, tt := range tests {
		if got := paddedLen(tt.unpadded); got != tt.want {
			t.Errorf("paddedLen(%d) = %d, want %d", tt.unpadded, got, tt.want)
		}
	}
}

func TestURIDecryptDetectsScheme(t *testing.T) {
	secret, pub := testKeypair(t)
	uri := &URI{WalletPubkey: pub, Secret: secret}

	shared := peerShared(t, secret, pub)
	plaintext := []byte("payload")

	classic, err := encryptNIP04(shared, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if got, err := uri.decrypt(classic); err != nil || !bytes.Equal(got, plaintext) {
		t.Errorf("classic decrypt = %q, %v", got, err)
	}

	v2, err := encryptNIP44(shared, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if got, err := uri.decrypt(v2); err != nil || !bytes.Equal(got, plaintext) {
		t.Errorf("v2 decrypt = %q, %v", got, err)
	}
}

func TestStatusWatchTerminalOnce(t *testing.T) {
	w := NewStatusWatch()
	if w.Latest() != StatusPending {
		t.Errorf("initial status = %s", w.Latest())
	}
	select {
	case <-w.Done():
		t.Fatal("Done closed before terminal status")
	default:
	}

	w.publish(StatusPaid)
	if w.Latest() != StatusPaid {
		t.Errorf("status = %s, want paid", w.Latest())
	}
	select {
	case <-w.Done():
	default:
		t.Error("Done not closed after terminal status")
	}

	// A later transition must not override the terminal state.
	w.publish(StatusExpired)
	if w.Latest() != StatusPaid {
		t.Errorf("terminal status overridden: %s", w.Latest())
	}
}

func TestRecordStatus(t *testing.T) {
	if got := recordStatus(&InvoiceRecord{SettledAt: 123}); got != StatusPaid {
		t.Errorf("settled record = %s", got)
	}
	if got := recordStatus(&InvoiceRecord{Preimage: "ab"}); got != StatusPaid {
		t.Errorf("preimage record = %s", got)
	}
	if got := recordStatus(&InvoiceRecord{ExpiresAt: 1}); got != StatusExpired {
		t.Errorf("expired record = %s", got)
	}
	if got := recordStatus(&InvoiceRecord{ExpiresAt: 9999999999}); got != StatusPending {
		t.Errorf("live record = %s", got)
	}
}
