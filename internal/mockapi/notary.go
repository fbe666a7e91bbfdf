package mockapi

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/xela07ax/kora-agent-sdk/kora"
)

// Поля решения, входящие в печать. Порядок не важен: подпись считается
// по канонической форме с сортировкой ключей.
var sealedFields = []string{
	"intent_id", "mandate_id", "mandate_version", "status", "reason_code",
	"amount_cents", "currency", "vendor_id", "evaluated_at", "ttl_seconds",
	"enforcement_mode", "executable",
}

// Notary подписывает решения эмулятора эфемерной Ed25519-парой.
// Ключ живет в памяти процесса: клиент забирает публичную половину через
// PublicKey и проверяет печати тем же кодом, что и против боевого API.
type Notary struct {
	keyID   string
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

func NewNotary() (*Notary, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate notary key: %w", err)
	}
	return &Notary{keyID: "koramock_key_v1", private: priv, public: pub}, nil
}

// PublicKey — base64 публичного ключа нотариуса.
func (n *Notary) PublicKey() string {
	return base64.StdEncoding.EncodeToString(n.public)
}

// Seal строит блок notary_seal по payload решения: SHA-256 от
// канонической формы, подпись по дайджесту.
func (n *Notary) Seal(payload map[string]any, timestamp string) (map[string]any, error) {
	canonical, err := kora.Canonicalize(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize decision payload: %w", err)
	}
	digest := sha256.Sum256(canonical)
	sig := ed25519.Sign(n.private, digest[:])

	fields := make([]any, 0, len(sealedFields))
	for _, f := range sealedFields {
		if _, ok := payload[f]; ok {
			fields = append(fields, f)
		}
	}

	return map[string]any{
		"signature":     base64.StdEncoding.EncodeToString(sig),
		"public_key_id": n.keyID,
		"algorithm":     "Ed25519",
		"payload_hash":  "sha256:" + hex.EncodeToString(digest[:]),
		"signed_fields": fields,
		"timestamp":     timestamp,
	}, nil
}
