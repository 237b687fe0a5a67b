// Package verify authenticates signed transaction envelopes. The envelope
// token is a three-part base64url payload (JWS compact layout) signed with
// Ed25519 by the storefront; verification is stateless and side-effect-free.
package verify

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/storesync/entitlements/pkg/entitlement"
)

// Claims is the payload carried inside a signed envelope token.
type Claims struct {
	// TransactionID uniquely identifies the transaction.
	TransactionID string `json:"txn"`

	// OriginalTransactionID links renewals to their root purchase.
	OriginalTransactionID string `json:"otxn,omitempty"`

	// ProductID is the purchased product.
	ProductID string `json:"pid"`

	// PurchaseDate is the purchase time (Unix seconds).
	PurchaseDate int64 `json:"pdate"`

	// ExpirationDate is set for subscription kinds (Unix seconds, 0 = none).
	ExpirationDate int64 `json:"edate,omitempty"`

	// RevocationDate is set when refunded/revoked (Unix seconds, 0 = none).
	RevocationDate int64 `json:"rdate,omitempty"`
}

// Verifier validates envelope tokens against the storefront's public key.
type Verifier struct {
	publicKey ed25519.PublicKey
}

// New creates a verifier for the given storefront signing key.
func New(publicKey ed25519.PublicKey) *Verifier {
	return &Verifier{publicKey: publicKey}
}

// Verify authenticates the token and returns the trusted transaction record.
// Failures are entitlement.ErrMalformed for structural problems and
// entitlement.ErrUntrusted for signature problems; callers may still recover
// claimed metadata from a rejected token via Claimed.
func (v *Verifier) Verify(token string) (entitlement.TransactionRecord, error) {
	parts, err := splitToken(token)
	if err != nil {
		return entitlement.TransactionRecord{}, err
	}

	claims, err := decodeClaims(parts[1])
	if err != nil {
		return entitlement.TransactionRecord{}, err
	}
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return entitlement.TransactionRecord{}, fmt.Errorf("%w: invalid signature encoding", entitlement.ErrMalformed)
	}

	if len(v.publicKey) != ed25519.PublicKeySize {
		return entitlement.TransactionRecord{}, fmt.Errorf("%w: no public key configured", entitlement.ErrUntrusted)
	}
	signed := []byte(parts[0] + "." + parts[1])
	if !ed25519.Verify(v.publicKey, signed, signature) {
		return entitlement.TransactionRecord{}, entitlement.ErrUntrusted
	}
	if claims.TransactionID == "" {
		return entitlement.TransactionRecord{}, fmt.Errorf("%w: missing transaction id", entitlement.ErrMalformed)
	}
	if claims.ProductID == "" {
		return entitlement.TransactionRecord{}, fmt.Errorf("%w: missing product id", entitlement.ErrMalformed)
	}

	record := entitlement.TransactionRecord{
		ID:           claims.TransactionID,
		OriginalID:   claims.OriginalTransactionID,
		ProductID:    claims.ProductID,
		PurchaseDate: time.Unix(claims.PurchaseDate, 0).UTC(),
		Verified:     true,
	}
	if record.OriginalID == "" {
		record.OriginalID = record.ID
	}
	if claims.ExpirationDate > 0 {
		t := time.Unix(claims.ExpirationDate, 0).UTC()
		record.ExpirationDate = &t
	}
	if claims.RevocationDate > 0 {
		t := time.Unix(claims.RevocationDate, 0).UTC()
		record.RevocationDate = &t
	}
	return record, nil
}

// Claimed extracts the unverified product and transaction ids from a token
// so verification failures stay observable. Best effort: returns empty
// strings for whatever cannot be recovered.
func Claimed(token string) (productID, transactionID string) {
	parts, err := splitToken(token)
	if err != nil {
		return "", ""
	}
	claims, err := decodeClaims(parts[1])
	if err != nil {
		return "", ""
	}
	return claims.ProductID, claims.TransactionID
}

func splitToken(token string) ([]string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", entitlement.ErrMalformed)
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 token segments, got %d", entitlement.ErrMalformed, len(parts))
	}
	if _, err := base64.RawURLEncoding.DecodeString(parts[0]); err != nil {
		return nil, fmt.Errorf("%w: invalid header encoding", entitlement.ErrMalformed)
	}
	return parts, nil
}

func decodeClaims(segment string) (Claims, error) {
	payload, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: invalid payload encoding", entitlement.ErrMalformed)
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, fmt.Errorf("%w: invalid claims JSON", entitlement.ErrMalformed)
	}
	return claims, nil
}

// Sign produces a token for the given claims. Production tokens are minted
// by the storefront's signing service; this exists for the in-memory fake
// storefront and for tests.
func Sign(key ed25519.PrivateKey, claims Claims) (string, error) {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"EdDSA","typ":"JWT"}`))
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signature := ed25519.Sign(key, []byte(header+"."+payload))
	return header + "." + payload + "." + base64.RawURLEncoding.EncodeToString(signature), nil
}
