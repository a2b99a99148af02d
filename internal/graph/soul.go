package graph

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"ixnay.dev/go/ixnay/internal/crypto"
)

// Soul is the identifier of a node.
//
// Souls starting with "~" are namespace roots keyed by an ed25519 public
// key; every soul below such a root belongs to that key. "local" and its
// descendants never leave the device.
type Soul string

const (
	// LocalRoot is the device-private root soul.
	LocalRoot Soul = "local"

	namespacePrefix = "~"
	contentPrefix   = "#"
	separator       = "/"
)

// NamespaceRoot returns the public root soul owned by pub.
func NamespaceRoot(pub []byte) Soul {
	return Soul(namespacePrefix + crypto.EncodePublicKey(pub))
}

// Child returns the soul used for the node stored under field.
func (s Soul) Child(field string) Soul {
	return s + separator + Soul(field)
}

// Root returns the first path segment.
func (s Soul) Root() Soul {
	if i := strings.Index(string(s), separator); i >= 0 {
		return s[:i]
	}
	return s
}

// IsLocal reports whether s is the local root or below it.
func (s Soul) IsLocal() bool {
	return s.Root() == LocalRoot
}

// IsNamespaced reports whether s is under a "~" root, valid or not.
func (s Soul) IsNamespaced() bool {
	return strings.HasPrefix(string(s), namespacePrefix)
}

// Owner returns the key owning a namespaced soul. ok is false for souls
// outside any namespace; a namespaced soul with a malformed key returns
// ok true with a nil key, which nothing can sign for.
func (s Soul) Owner() (key ed25519.PublicKey, ok bool) {
	if !s.IsNamespaced() {
		return nil, false
	}
	k, err := crypto.DecodePublicKey(string(s.Root())[len(namespacePrefix):])
	if err != nil {
		return nil, true
	}
	return k, true
}

// ContentSoul derives a soul from a node's fields so identical anonymous
// nodes written on different replicas land on the same soul.
func ContentSoul(fields map[string]Value) Soul {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		kb, _ := json.Marshal(k)
		h.Write(kb)
		h.Write([]byte{':'})
		h.Write(fields[k].Canonical())
		h.Write([]byte{','})
	}
	return Soul(contentPrefix + hex.EncodeToString(h.Sum(nil)))
}
