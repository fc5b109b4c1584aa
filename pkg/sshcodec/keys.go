package sshcodec

import (
	"hash"

	"github.com/sammck-go/sshcore/pkg/sshalg"
	"github.com/sammck-go/sshcore/pkg/sshwire"
)

// Key derivation tag bytes, one per derived quantity and direction.
const (
	tagIVClientToServer  = 'A'
	tagIVServerToClient  = 'B'
	tagKeyClientToServer = 'C'
	tagKeyServerToClient = 'D'
	tagMACClientToServer = 'E'
	tagMACServerToClient = 'F'
)

// deriveKey produces length bytes of key material from the shared secret K
// (mpint-encoded), the exchange hash H, and the session id, distinguished by
// a single tag byte:
//
//	K1 = HASH(K || H || tag || session_id)
//	Kn = HASH(K || H || K1 || ... || Kn-1)
//	key = K1 || K2 || ... truncated to length
func deriveKey(newHash func() hash.Hash, secretMP, exchangeHash, sessionID []byte, tag byte, length int) []byte {
	var out []byte
	h := newHash()
	h.Write(secretMP)
	h.Write(exchangeHash)
	h.Write([]byte{tag})
	h.Write(sessionID)
	out = h.Sum(out)
	for len(out) < length {
		h.Reset()
		h.Write(secretMP)
		h.Write(exchangeHash)
		h.Write(out)
		out = h.Sum(out)
	}
	return out[:length]
}

// DeriveDirectionKeys derives the IV, encryption key and MAC key for one
// direction of a freshly keyed session. clientToServer selects the tag set;
// secret is the raw shared secret from KEX; sessionID is the exchange hash
// of the session's first key exchange.
func DeriveDirectionKeys(
	kex *sshalg.KexFactory,
	cipher *sshalg.CipherFactory,
	mac *sshalg.MACFactory,
	comp *sshalg.CompressionFactory,
	secret, exchangeHash, sessionID []byte,
	clientToServer bool,
) *DirectionKeys {
	secretMP := sshwire.AppendMPInt(nil, secret)
	ivTag, keyTag, macTag := byte(tagIVServerToClient), byte(tagKeyServerToClient), byte(tagMACServerToClient)
	if clientToServer {
		ivTag, keyTag, macTag = tagIVClientToServer, tagKeyClientToServer, tagMACClientToServer
	}
	return &DirectionKeys{
		Cipher:      cipher,
		Key:         deriveKey(kex.NewHash, secretMP, exchangeHash, sessionID, keyTag, cipher.KeySize),
		IV:          deriveKey(kex.NewHash, secretMP, exchangeHash, sessionID, ivTag, cipher.IVSize),
		MAC:         mac,
		MACKey:      deriveKey(kex.NewHash, secretMP, exchangeHash, sessionID, macTag, mac.KeySize),
		Compression: comp,
	}
}
