// Package sshalg defines the pluggable algorithm capability surface of the
// transport engine (ciphers, MACs, compression codecs, key exchange methods,
// host key signature schemes and the random source) together with the
// ordered named-factory registry used for algorithm negotiation, and a set of
// built-in implementations backed by the Go standard library and
// golang.org/x/crypto.
//
// Negotiation works purely on names: each side advertises a
// preference-ordered name list per category, and the selected algorithm is
// the first entry of the initiating side's list that also appears anywhere in
// the peer's list. Factories are only consulted for concrete instances after
// a name has been agreed.
package sshalg
