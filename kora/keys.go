package kora

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// AgentKeyPrefix — фиксированный литеральный префикс секретной строки агента.
const AgentKeyPrefix = "kora_agent_sk_"

// AgentKey — распарсенный секрет агента: идентификатор + ключ подписи.
// Неизменяем после создания, живет только внутри клиентского процесса.
type AgentKey struct {
	AgentID    string
	PrivateKey ed25519.PrivateKey
}

// KeyFormatError — секретная строка сломана. Reason называет конкретное
// нарушение формата, чтобы интеграторы чинили ключ, а не гадали.
type KeyFormatError struct {
	Reason string
}

func (e *KeyFormatError) Error() string {
	return "invalid agent key: " + e.Reason
}

// ParseAgentKey разбирает секрет формата
// kora_agent_sk_<base64(agent_id:seed_hex)>, где seed — 32 байта (64 hex-символа).
func ParseAgentKey(secret string) (*AgentKey, error) {
	if !strings.HasPrefix(secret, AgentKeyPrefix) {
		return nil, &KeyFormatError{Reason: fmt.Sprintf("must start with %q", AgentKeyPrefix)}
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, AgentKeyPrefix))
	if err != nil {
		return nil, &KeyFormatError{Reason: "payload is not valid base64"}
	}

	agentID, seedHex, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return nil, &KeyFormatError{Reason: "payload missing ':' separator"}
	}
	if agentID == "" {
		return nil, &KeyFormatError{Reason: "empty agent_id"}
	}

	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, &KeyFormatError{Reason: "seed is not valid hex"}
	}
	if len(seed) != ed25519.SeedSize {
		return nil, &KeyFormatError{Reason: fmt.Sprintf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))}
	}

	return &AgentKey{
		AgentID:    agentID,
		PrivateKey: ed25519.NewKeyFromSeed(seed),
	}, nil
}

// MintAgentKey генерирует свежую пару и собирает секретную строку.
// Хелпер для эмулятора, тестов и локальной разработки — боевые ключи
// выпускает сервис выдачи мандатов.
func MintAgentKey(agentID string) (secret string, publicKeyB64 string, err error) {
	if agentID == "" {
		return "", "", fmt.Errorf("mint agent key: agent_id is required")
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return "", "", fmt.Errorf("mint agent key: %w", err)
	}

	payload := agentID + ":" + hex.EncodeToString(seed)
	secret = AgentKeyPrefix + base64.StdEncoding.EncodeToString([]byte(payload))

	priv := ed25519.NewKeyFromSeed(seed)
	publicKeyB64 = base64.StdEncoding.EncodeToString(priv.Public().(ed25519.PublicKey))
	return secret, publicKeyB64, nil
}
