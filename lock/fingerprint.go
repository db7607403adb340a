package lock

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalJSON serializes args with map keys in sorted order at every depth,
// so equal argument sets always produce equal bytes. Nil args encode as {}.
func CanonicalJSON(args map[string]any) (string, error) {
	if len(args) == 0 {
		return "{}", nil
	}
	// encoding/json sorts map keys, including nested maps
	b, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("canonicalize arguments: %w", err)
	}
	return string(b), nil
}

// Fingerprint derives the lock key for one tool invocation:
// lock:tool:<conversation>:<tool>:<sha256 of canonical arguments>
func Fingerprint(conversationID, toolName string, args map[string]any) (string, error) {
	canonical, err := CanonicalJSON(args)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonical))
	return fmt.Sprintf("lock:tool:%s:%s:%s", conversationID, toolName, hex.EncodeToString(sum[:])), nil
}
