package sshalg

import (
	"fmt"
)

// NegotiationError is the fatal failure produced when two preference lists
// share no entry for a required algorithm category.
type NegotiationError struct {
	Category  string
	Initiator []string
	Peer      []string
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("no mutually supported %s algorithm (initiator offers %v, peer offers %v)",
		e.Category, e.Initiator, e.Peer)
}

// UnknownAlgorithmError is returned when a negotiated name has no factory in
// the registry. Negotiation makes this unreachable for well-formed peers, but
// the codec and session check defensively.
type UnknownAlgorithmError struct {
	Category string
	Name     string
}

func (e *UnknownAlgorithmError) Error() string {
	return fmt.Sprintf("no registered %s algorithm %q", e.Category, e.Name)
}

// Select returns the first entry of the initiator's preference list that also
// appears in the peer's list. First match in initiator order wins; the peer's
// ordering is irrelevant. An empty intersection returns a *NegotiationError.
func Select(category string, initiator, peer []string) (string, error) {
	for _, want := range initiator {
		for _, have := range peer {
			if want == have {
				return want, nil
			}
		}
	}
	return "", &NegotiationError{Category: category, Initiator: initiator, Peer: peer}
}

// Registry holds the preference-ordered algorithm factory lists for one
// manager. It is built once at manager construction and is safe for
// concurrent reads; it is not mutated while sessions are running.
type Registry struct {
	KexAlgorithms []*KexFactory
	HostKeys      []*SignatureFactory
	Ciphers       []*CipherFactory
	MACs          []*MACFactory
	Compressions  []*CompressionFactory
	Random        Random
}

// NewDefaultRegistry returns a registry populated with every built-in
// algorithm, in default preference order, using the crypto/rand random
// source.
func NewDefaultRegistry() *Registry {
	return &Registry{
		KexAlgorithms: []*KexFactory{
			KexCurve25519SHA256(),
		},
		HostKeys: []*SignatureFactory{
			SignatureEd25519(),
		},
		Ciphers: []*CipherFactory{
			CipherChaCha20(),
			CipherAES128CTR(),
			CipherAES256CTR(),
		},
		MACs: []*MACFactory{
			MACHMACSHA256(),
			MACHMACSHA1(),
		},
		Compressions: []*CompressionFactory{
			CompressionNone(),
			CompressionZlib(),
		},
		Random: CryptoRandom(),
	}
}

// KexNames returns the registry's KEX preference list by name.
func (r *Registry) KexNames() []string {
	names := make([]string, len(r.KexAlgorithms))
	for i, f := range r.KexAlgorithms {
		names[i] = f.Name
	}
	return names
}

// HostKeyNames returns the registry's host key algorithm preference list.
func (r *Registry) HostKeyNames() []string {
	names := make([]string, len(r.HostKeys))
	for i, f := range r.HostKeys {
		names[i] = f.Name
	}
	return names
}

// CipherNames returns the registry's cipher preference list.
func (r *Registry) CipherNames() []string {
	names := make([]string, len(r.Ciphers))
	for i, f := range r.Ciphers {
		names[i] = f.Name
	}
	return names
}

// MACNames returns the registry's MAC preference list.
func (r *Registry) MACNames() []string {
	names := make([]string, len(r.MACs))
	for i, f := range r.MACs {
		names[i] = f.Name
	}
	return names
}

// CompressionNames returns the registry's compression preference list.
func (r *Registry) CompressionNames() []string {
	names := make([]string, len(r.Compressions))
	for i, f := range r.Compressions {
		names[i] = f.Name
	}
	return names
}

// Kex looks up a KEX factory by negotiated name.
func (r *Registry) Kex(name string) (*KexFactory, error) {
	for _, f := range r.KexAlgorithms {
		if f.Name == name {
			return f, nil
		}
	}
	return nil, &UnknownAlgorithmError{Category: "kex", Name: name}
}

// HostKey looks up a signature factory by negotiated name.
func (r *Registry) HostKey(name string) (*SignatureFactory, error) {
	for _, f := range r.HostKeys {
		if f.Name == name {
			return f, nil
		}
	}
	return nil, &UnknownAlgorithmError{Category: "host key", Name: name}
}

// Cipher looks up a cipher factory by negotiated name.
func (r *Registry) Cipher(name string) (*CipherFactory, error) {
	for _, f := range r.Ciphers {
		if f.Name == name {
			return f, nil
		}
	}
	return nil, &UnknownAlgorithmError{Category: "cipher", Name: name}
}

// MAC looks up a MAC factory by negotiated name.
func (r *Registry) MAC(name string) (*MACFactory, error) {
	for _, f := range r.MACs {
		if f.Name == name {
			return f, nil
		}
	}
	return nil, &UnknownAlgorithmError{Category: "mac", Name: name}
}

// Compression looks up a compression factory by negotiated name.
func (r *Registry) Compression(name string) (*CompressionFactory, error) {
	for _, f := range r.Compressions {
		if f.Name == name {
			return f, nil
		}
	}
	return nil, &UnknownAlgorithmError{Category: "compression", Name: name}
}
