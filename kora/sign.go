package kora

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
)

// SignMessage подписывает сообщение Ed25519 и возвращает base64-подпись
// (detached: сообщение в подпись не включается).
func SignMessage(message []byte, key ed25519.PrivateKey) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(key, message))
}

// VerifySignature проверяет detached-подпись. Никогда не паникует и не
// возвращает ошибку: любой мусор на входе — это просто false.
func VerifySignature(message []byte, signatureB64, publicKeyB64 string) bool {
	publicKey, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}

// VerifyDecisionSeal проверяет нотариальную печать над payload решения.
// Сервер подписывает SHA-256 от канонической формы, поэтому перед
// проверкой payload хэшируется. Payload обязан содержать ровно те поля,
// что перечислены в seal.signed_fields — ни больше, ни меньше.
func VerifyDecisionSeal(decisionPayload map[string]any, signatureB64, publicKeyB64 string) bool {
	canonical, err := Canonicalize(decisionPayload)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(canonical)
	return VerifySignature(digest[:], signatureB64, publicKeyB64)
}
