package appstore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedUnverified(t *testing.T, payload interface{}) string {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return "e30." + base64.RawURLEncoding.EncodeToString(data) + ".sig"
}

func TestInsecureDecode(t *testing.T) {
	decoder := NewInsecureJWSDecoder()
	assert.True(t, decoder.Insecure())

	token := signedUnverified(t, Transaction{
		TransactionID: "txn-1",
		ProductID:     "premium.monthly",
		ExpiresDate:   1893456000000,
	})

	var txn Transaction
	require.NoError(t, decoder.Decode(token, &txn))
	assert.Equal(t, "txn-1", txn.TransactionID)
	assert.Equal(t, "premium.monthly", txn.ProductID)
	require.NotNil(t, txn.ExpiresAt())
}

func TestInsecureDecodeRejectsMalformed(t *testing.T) {
	decoder := NewInsecureJWSDecoder()

	var out Transaction
	assert.ErrorIs(t, decoder.Decode("", &out), ErrPayloadMalformed)
	assert.ErrorIs(t, decoder.Decode("only.two", &out), ErrPayloadMalformed)
	assert.ErrorIs(t, decoder.Decode("a.!!!.c", &out), ErrPayloadMalformed)
	assert.ErrorIs(t, decoder.Decode("e30."+base64.RawURLEncoding.EncodeToString([]byte("not json"))+".sig", &out), ErrPayloadMalformed)
}

func TestNewJWSDecoderRejectsBadBundle(t *testing.T) {
	_, err := NewJWSDecoder(nil)
	assert.Error(t, err)

	_, err = NewJWSDecoder([]byte("not a pem bundle"))
	assert.Error(t, err)
}

func TestVerifyingDecoderRejectsUnsigned(t *testing.T) {
	decoder, err := NewJWSDecoder(testRootPEM(t))
	require.NoError(t, err)
	require.False(t, decoder.Insecure())

	var out Transaction

	// A token whose header carries no algorithm does not parse as a JWS:
	// structurally malformed, not a signature failure.
	token := signedUnverified(t, Transaction{TransactionID: "txn-1"})
	assert.ErrorIs(t, decoder.Decode(token, &out), ErrPayloadMalformed)

	// A well-formed ES256 token without an x5c chain is a verification
	// failure.
	payload, err := json.Marshal(Transaction{TransactionID: "txn-1"})
	require.NoError(t, err)
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"ES256"}`))
	token = header + "." + base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(make([]byte, 64))
	assert.ErrorIs(t, decoder.Decode(token, &out), ErrSignatureInvalid)
}

// testRootPEM generates a throwaway self-signed root certificate.
func testRootPEM(t *testing.T) []byte {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestNotificationClassification(t *testing.T) {
	assert.True(t, IsTerminatingNotification(NotificationTypeExpired))
	assert.True(t, IsTerminatingNotification(NotificationTypeRefund))
	assert.True(t, IsTerminatingNotification(NotificationTypeRevoke))
	assert.False(t, IsTerminatingNotification("DID_RENEW"))
	assert.False(t, IsTerminatingNotification("SUBSCRIBED"))
}

func TestNotificationDiagnostic(t *testing.T) {
	txn := &Transaction{TransactionID: "txn-1"}
	assert.JSONEq(t, string(txn.Diagnostic()), string(NotificationDiagnostic(txn, nil)))

	combined := string(NotificationDiagnostic(txn, &RenewalInfo{AutoRenewStatus: 1}))
	assert.Contains(t, combined, `"transaction"`)
	assert.Contains(t, combined, `"autoRenewStatus":1`)
}

func TestTransactionRevocation(t *testing.T) {
	reason := int64(0)

	assert.False(t, (&Transaction{}).Revoked())
	assert.True(t, (&Transaction{RevocationDate: 1700000000000}).Revoked())
	assert.True(t, (&Transaction{RevocationReason: &reason}).Revoked())

	assert.Nil(t, (&Transaction{}).ExpiresAt())
	assert.Nil(t, (&Transaction{}).RevokedAt())
	assert.NotNil(t, (&Transaction{RevocationDate: 1700000000000}).RevokedAt())
}
