package appstore

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// Decode failures split into two families so callers can answer a store
// webhook correctly: a malformed payload is permanently unprocessable and
// must be acknowledged to stop redelivery, while a signature failure on a
// well-formed payload is rejected outright. Initialization failures (bad
// root certificates) are returned as plain errors from NewJWSDecoder and
// indicate a configuration fault instead.
var (
	ErrSignatureInvalid = errors.New("jws signature invalid")
	ErrPayloadMalformed = errors.New("jws payload malformed")
)

// JWSDecoder verifies and decodes the compact JWS payloads Apple signs:
// server notification envelopes, signedTransactionInfo and signedRenewalInfo.
// Build it once at startup and reuse it; the root pool is parsed a single time.
type JWSDecoder struct {
	roots    *x509.CertPool
	insecure bool
}

// NewJWSDecoder builds a verifying decoder from a PEM bundle of trusted root
// certificates.
func NewJWSDecoder(rootPEM []byte) (*JWSDecoder, error) {
	if len(rootPEM) == 0 {
		return nil, errors.New("empty root certificate bundle")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(rootPEM) {
		return nil, errors.New("no certificates found in root bundle")
	}
	return &JWSDecoder{roots: pool}, nil
}

// NewInsecureJWSDecoder builds a decoder that skips signature verification
// and only base64-decodes the signed segments. Non-production use only;
// results from it must be treated as untrusted.
func NewInsecureJWSDecoder() *JWSDecoder {
	return &JWSDecoder{insecure: true}
}

// Insecure reports whether the decoder skips signature verification.
func (d *JWSDecoder) Insecure() bool {
	return d.insecure
}

// Decode verifies token (unless insecure) and unmarshals its payload into out.
func (d *JWSDecoder) Decode(token string, out interface{}) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: empty signed payload", ErrPayloadMalformed)
	}

	if d.insecure {
		payload, err := decodeUnverified(token)
		if err != nil {
			return err
		}
		return unmarshalPayload(payload, out)
	}

	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.ES256})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPayloadMalformed, err)
	}
	if len(jws.Signatures) == 0 {
		return fmt.Errorf("%w: missing signature", ErrSignatureInvalid)
	}

	opts := x509.VerifyOptions{
		Roots:       d.roots,
		CurrentTime: time.Now(),
	}
	chains, err := jws.Signatures[0].Header.Certificates(opts)
	if err != nil {
		return fmt.Errorf("%w: certificate chain: %v", ErrSignatureInvalid, err)
	}
	if len(chains) == 0 || len(chains[0]) == 0 {
		return fmt.Errorf("%w: empty certificate chain", ErrSignatureInvalid)
	}

	leaf := chains[0][0]
	payload, err := jws.Verify(leaf.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	return unmarshalPayload(payload, out)
}

// decodeUnverified extracts the payload segment of a compact JWS without
// checking the signature.
func decodeUnverified(token string) ([]byte, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: not a compact JWS", ErrPayloadMalformed)
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: payload segment: %v", ErrPayloadMalformed, err)
	}
	return payload, nil
}

func unmarshalPayload(payload []byte, out interface{}) error {
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: payload json: %v", ErrPayloadMalformed, err)
	}
	return nil
}
