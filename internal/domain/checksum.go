package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// Checksum derives the content hash stored on every job to drive recovery
// and retry identity: "name | version | handler-source".
// handlerSource is a stable textual fingerprint of the handler (duron.Action
// passes the handler function's fully-qualified symbol name); Duron never
// inspects it beyond hashing.
func Checksum(name, version, handlerSource string) string {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{'|'})
	h.Write([]byte(version))
	h.Write([]byte{'|'})
	h.Write([]byte(handlerSource))
	return hex.EncodeToString(h.Sum(nil))
}
