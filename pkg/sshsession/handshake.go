package sshsession

import (
	"hash"
	"time"

	"github.com/sammck-go/sshcore/pkg/sshalg"
	"github.com/sammck-go/sshcore/pkg/sshcodec"
	"github.com/sammck-go/sshcore/pkg/sshwire"
)

// negotiatedAlgorithms is the outcome of matching two KEXINIT preference
// lists: one resolved factory per category and direction.
type negotiatedAlgorithms struct {
	kexName     string
	hostKeyName string

	kex     *sshalg.KexFactory
	hostKey *sshalg.SignatureFactory

	cipherC2S *sshalg.CipherFactory
	cipherS2C *sshalg.CipherFactory
	macC2S    *sshalg.MACFactory
	macS2C    *sshalg.MACFactory
	compC2S   *sshalg.CompressionFactory
	compS2C   *sshalg.CompressionFactory
}

// kexState is one in-flight key exchange. Guarded by Session.kexMu.
type kexState struct {
	// ourInit and theirInit are the exact KEXINIT payloads, kept for the
	// exchange hash. theirInit is nil until the peer's KEXINIT arrives.
	ourInit   []byte
	theirInit []byte

	ourInitMsg   *sshwire.KexInit
	theirInitMsg *sshwire.KexInit

	algs *negotiatedAlgorithms

	// kexObj is the live exchange on the initiating (client) side, created
	// when KEXECDH_INIT is sent. The responding side creates and finishes
	// its exchange within one message handler and never stores it.
	kexObj    sshalg.Kex
	clientPub []byte

	// discardNextKexPacket is set when the peer guessed the wrong
	// algorithm and its eagerly sent first kex packet must be ignored.
	discardNextKexPacket bool

	sentNewKeys bool
}

// isKexAlgorithmMessage reports whether msg is in the number range reserved
// for algorithm-specific key exchange packets.
func isKexAlgorithmMessage(msg sshwire.Message) bool {
	n := msg.MessageNumber()
	return n >= 30 && n <= 49
}

// negotiate resolves both KEXINIT lists to concrete factories. The client's
// preference order decides every category; the first client entry that the
// server also offers wins.
func negotiate(reg *sshalg.Registry, clientInit, serverInit *sshwire.KexInit) (*negotiatedAlgorithms, error) {
	algs := &negotiatedAlgorithms{}

	var err error
	if algs.kexName, err = sshalg.Select("kex", clientInit.KexAlgorithms, serverInit.KexAlgorithms); err != nil {
		return nil, err
	}
	if algs.hostKeyName, err = sshalg.Select("host key", clientInit.HostKeyAlgorithms, serverInit.HostKeyAlgorithms); err != nil {
		return nil, err
	}
	cipherC2S, err := sshalg.Select("client-to-server cipher", clientInit.CiphersClientToServer, serverInit.CiphersClientToServer)
	if err != nil {
		return nil, err
	}
	cipherS2C, err := sshalg.Select("server-to-client cipher", clientInit.CiphersServerToClient, serverInit.CiphersServerToClient)
	if err != nil {
		return nil, err
	}
	macC2S, err := sshalg.Select("client-to-server mac", clientInit.MACsClientToServer, serverInit.MACsClientToServer)
	if err != nil {
		return nil, err
	}
	macS2C, err := sshalg.Select("server-to-client mac", clientInit.MACsServerToClient, serverInit.MACsServerToClient)
	if err != nil {
		return nil, err
	}
	compC2S, err := sshalg.Select("client-to-server compression", clientInit.CompClientToServer, serverInit.CompClientToServer)
	if err != nil {
		return nil, err
	}
	compS2C, err := sshalg.Select("server-to-client compression", clientInit.CompServerToClient, serverInit.CompServerToClient)
	if err != nil {
		return nil, err
	}

	if algs.kex, err = reg.Kex(algs.kexName); err != nil {
		return nil, err
	}
	if algs.hostKey, err = reg.HostKey(algs.hostKeyName); err != nil {
		return nil, err
	}
	if algs.cipherC2S, err = reg.Cipher(cipherC2S); err != nil {
		return nil, err
	}
	if algs.cipherS2C, err = reg.Cipher(cipherS2C); err != nil {
		return nil, err
	}
	if algs.macC2S, err = reg.MAC(macC2S); err != nil {
		return nil, err
	}
	if algs.macS2C, err = reg.MAC(macS2C); err != nil {
		return nil, err
	}
	if algs.compC2S, err = reg.Compression(compC2S); err != nil {
		return nil, err
	}
	if algs.compS2C, err = reg.Compression(compS2C); err != nil {
		return nil, err
	}
	return algs, nil
}

// buildKexInit constructs our KEXINIT from the manager's registry. A server
// only advertises host key algorithms it actually holds a key for.
func (s *Session) buildKexInit() (*sshwire.KexInit, error) {
	reg := s.manager.registry
	hostKeyNames := reg.HostKeyNames()
	if !s.isClient {
		hostKeyNames = s.manager.availableHostKeyNames(hostKeyNames)
		if len(hostKeyNames) == 0 {
			return nil, s.Errorf("no host key configured")
		}
	}
	ki := &sshwire.KexInit{
		KexAlgorithms:         reg.KexNames(),
		HostKeyAlgorithms:     hostKeyNames,
		CiphersClientToServer: reg.CipherNames(),
		CiphersServerToClient: reg.CipherNames(),
		MACsClientToServer:    reg.MACNames(),
		MACsServerToClient:    reg.MACNames(),
		CompClientToServer:    reg.CompressionNames(),
		CompServerToClient:    reg.CompressionNames(),
	}
	if err := reg.Random.Fill(ki.Cookie[:]); err != nil {
		return nil, s.DLogErrorf("Cookie generation failed: %s", err)
	}
	return ki, nil
}

func (s *Session) startKex() error {
	s.kexMu.Lock()
	defer s.kexMu.Unlock()
	return s.startKexLocked()
}

func (s *Session) startKexLocked() error {
	ki, err := s.buildKexInit()
	if err != nil {
		return err
	}
	s.kex = &kexState{
		ourInit:    ki.Marshal(),
		ourInitMsg: ki,
	}
	s.openKexGate()
	s.DLogf("Key exchange started")
	return s.SendMessage(ki)
}

// RequestRekey starts a new key exchange on an established session. It is a
// no-op if one is already in flight. Application traffic is queued for the
// duration and flushed once the new keys take effect.
func (s *Session) RequestRekey() error {
	if s.IsStartedShutdown() {
		return ErrSessionClosed
	}
	s.kexMu.Lock()
	defer s.kexMu.Unlock()
	if s.kex != nil {
		return nil
	}
	return s.startKexLocked()
}

// maybeRekey starts a rekey if the traffic or time trigger has tripped. The
// timeout monitor calls this on every tick.
func (s *Session) maybeRekey() {
	if s.State() < StateKeysEstablished || s.IsStartedShutdown() {
		return
	}
	in, out := s.codec.TrafficSinceRekey()

	s.kexMu.Lock()
	defer s.kexMu.Unlock()
	if s.kex != nil {
		return
	}
	byBytes := s.cfg.RekeyBytes > 0 && (in > uint64(s.cfg.RekeyBytes) || out > uint64(s.cfg.RekeyBytes))
	byTime := s.cfg.RekeyInterval > 0 && time.Since(s.lastKexTime) > s.cfg.RekeyInterval
	if !byBytes && !byTime {
		return
	}
	s.DLogf("Rekey due (in=%d out=%d, last kex %v ago)", in, out, time.Since(s.lastKexTime))
	if err := s.startKexLocked(); err != nil {
		s.WLogf("Rekey start failed: %s", err)
	}
}

func (s *Session) handleKexInit(t *sshwire.KexInit) error {
	s.kexMu.Lock()
	defer s.kexMu.Unlock()

	if s.kex == nil {
		// Peer-initiated rekey; answer with our own KEXINIT.
		if s.State() < StateKeysEstablished {
			s.sendDisconnect(sshwire.DisconnectProtocolError, "unexpected KEXINIT")
			return s.Errorf("KEXINIT before initial handshake position")
		}
		s.DLogf("Peer requested rekey")
		if err := s.startKexLocked(); err != nil {
			return err
		}
	}
	if s.kex.theirInit != nil {
		s.sendDisconnect(sshwire.DisconnectProtocolError, "KEXINIT during key exchange")
		return s.Errorf("second KEXINIT while key exchange already in flight")
	}
	s.kex.theirInit = t.Marshal()
	s.kex.theirInitMsg = t

	clientInit, serverInit := s.kex.ourInitMsg, t
	if !s.isClient {
		clientInit, serverInit = t, s.kex.ourInitMsg
	}
	algs, err := negotiate(s.manager.registry, clientInit, serverInit)
	if err != nil {
		s.sendDisconnect(sshwire.DisconnectKeyExchangeFailed, err.Error())
		return s.DLogErrorf("Algorithm negotiation failed: %s", err)
	}
	s.kex.algs = algs
	s.DLogf("Negotiated kex=%s hostkey=%s cipher=%s/%s mac=%s/%s comp=%s/%s",
		algs.kexName, algs.hostKeyName,
		algs.cipherC2S.Name, algs.cipherS2C.Name,
		algs.macC2S.Name, algs.macS2C.Name,
		algs.compC2S.Name, algs.compS2C.Name)

	if t.FirstKexPacketFollows && (firstOrEmpty(t.KexAlgorithms) != algs.kexName ||
		firstOrEmpty(t.HostKeyAlgorithms) != algs.hostKeyName) {
		s.kex.discardNextKexPacket = true
		s.DLogf("Peer guessed wrong; will discard its first kex packet")
	}

	s.setState(StateKexInProgress)

	if s.isClient {
		s.kex.kexObj = algs.kex.New()
		pub, err := s.kex.kexObj.Init(s.manager.registry.Random)
		if err != nil {
			s.sendDisconnect(sshwire.DisconnectKeyExchangeFailed, "key generation failed")
			return s.DLogErrorf("Ephemeral key generation failed: %s", err)
		}
		s.kex.clientPub = pub
		return s.SendMessage(&sshwire.KexECDHInit{ClientPub: pub})
	}
	return nil
}

func firstOrEmpty(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

func (s *Session) handleKexECDHInit(t *sshwire.KexECDHInit) error {
	s.kexMu.Lock()
	defer s.kexMu.Unlock()

	if s.isClient || s.kex == nil || s.kex.algs == nil || s.kex.sentNewKeys {
		s.sendDisconnect(sshwire.DisconnectProtocolError, "unexpected KEXECDH_INIT")
		return s.Errorf("KEXECDH_INIT out of sequence")
	}
	algs := s.kex.algs

	signer := s.manager.hostSigner(algs.hostKeyName)
	if signer == nil {
		s.sendDisconnect(sshwire.DisconnectKeyExchangeFailed, "no host key for negotiated algorithm")
		return s.Errorf("no host key for negotiated algorithm %q", algs.hostKeyName)
	}

	kexObj := algs.kex.New()
	replyPub, secret, err := kexObj.Respond(s.manager.registry.Random, t.ClientPub)
	if err != nil {
		s.sendDisconnect(sshwire.DisconnectKeyExchangeFailed, err.Error())
		return s.DLogErrorf("Key exchange failed: %s", err)
	}

	hostBlob := signer.PublicKeyBlob()
	exchangeHash := s.computeExchangeHash(algs.kex.NewHash,
		s.kex.theirInit, s.kex.ourInit, hostBlob, t.ClientPub, replyPub, secret)
	sig, err := signer.Sign(s.manager.registry.Random, exchangeHash)
	if err != nil {
		s.sendDisconnect(sshwire.DisconnectKeyExchangeFailed, "signing failed")
		return s.DLogErrorf("Exchange hash signing failed: %s", err)
	}

	if err := s.SendMessage(&sshwire.KexECDHReply{
		HostKey:   hostBlob,
		ServerPub: replyPub,
		Signature: sig,
	}); err != nil {
		return err
	}
	return s.finishKexLocked(secret, exchangeHash)
}

func (s *Session) handleKexECDHReply(t *sshwire.KexECDHReply) error {
	s.kexMu.Lock()
	defer s.kexMu.Unlock()

	if !s.isClient || s.kex == nil || s.kex.kexObj == nil || s.kex.sentNewKeys {
		s.sendDisconnect(sshwire.DisconnectProtocolError, "unexpected KEXECDH_REPLY")
		return s.Errorf("KEXECDH_REPLY out of sequence")
	}
	algs := s.kex.algs

	if s.cfg.HostKeyCallback != nil {
		if err := s.cfg.HostKeyCallback(algs.hostKeyName, t.HostKey); err != nil {
			s.sendDisconnect(sshwire.DisconnectHostKeyNotVerifiable, err.Error())
			return s.DLogErrorf("Host key rejected: %s", err)
		}
	}

	secret, err := s.kex.kexObj.Finish(t.ServerPub)
	if err != nil {
		s.sendDisconnect(sshwire.DisconnectKeyExchangeFailed, err.Error())
		return s.DLogErrorf("Key exchange failed: %s", err)
	}
	exchangeHash := s.computeExchangeHash(algs.kex.NewHash,
		s.kex.ourInit, s.kex.theirInit, t.HostKey, s.kex.clientPub, t.ServerPub, secret)
	if err := algs.hostKey.Verify(t.HostKey, exchangeHash, t.Signature); err != nil {
		s.sendDisconnect(sshwire.DisconnectKeyExchangeFailed, "host key signature invalid")
		return s.DLogErrorf("Host key signature invalid: %s", err)
	}
	return s.finishKexLocked(secret, exchangeHash)
}

// computeExchangeHash hashes the key exchange transcript: both version
// lines, both KEXINIT payloads, the host key blob, both ephemeral public
// values, and the shared secret, all in client-then-server order.
func (s *Session) computeExchangeHash(newHash func() hash.Hash,
	clientInit, serverInit, hostKeyBlob, clientPub, serverPub, secret []byte) []byte {

	clientVersion, serverVersion := s.localVersion, s.remoteVersion
	if !s.isClient {
		clientVersion, serverVersion = s.remoteVersion, s.localVersion
	}

	var b []byte
	b = sshwire.AppendString(b, []byte(clientVersion))
	b = sshwire.AppendString(b, []byte(serverVersion))
	b = sshwire.AppendString(b, clientInit)
	b = sshwire.AppendString(b, serverInit)
	b = sshwire.AppendString(b, hostKeyBlob)
	b = sshwire.AppendString(b, clientPub)
	b = sshwire.AppendString(b, serverPub)
	b = sshwire.AppendMPInt(b, secret)

	h := newHash()
	h.Write(b)
	return h.Sum(nil)
}

// finishKexLocked derives and stages both directions' keys, sends NEWKEYS,
// and switches outbound keys. Inbound keys stay staged until the peer's
// NEWKEYS arrives. Caller holds kexMu.
func (s *Session) finishKexLocked(secret, exchangeHash []byte) error {
	if s.sessionID == nil {
		s.sessionID = append([]byte(nil), exchangeHash...)
	}
	algs := s.kex.algs

	c2s := sshcodec.DeriveDirectionKeys(algs.kex, algs.cipherC2S, algs.macC2S, algs.compC2S,
		secret, exchangeHash, s.sessionID, true)
	s2c := sshcodec.DeriveDirectionKeys(algs.kex, algs.cipherS2C, algs.macS2C, algs.compS2C,
		secret, exchangeHash, s.sessionID, false)

	sendKeys, recvKeys := s2c, c2s
	if s.isClient {
		sendKeys, recvKeys = c2s, s2c
	}
	s.codec.PrepareRecvKeys(recvKeys)
	s.codec.PrepareSendKeys(sendKeys)

	// NEWKEYS and the outbound key swap must be adjacent on the wire; no
	// other packet may land between them.
	s.writeMu.Lock()
	err := s.codec.WritePacket((&sshwire.NewKeys{}).Marshal())
	if err == nil {
		err = s.codec.ActivateSendKeys()
	}
	s.writeMu.Unlock()
	if err != nil {
		s.StartShutdown(s.DLogErrorf("Outbound key switch failed: %s", err))
		return err
	}
	s.kex.sentNewKeys = true
	s.DLogf("Sent NEWKEYS; outbound keys switched")
	return nil
}

func (s *Session) handleNewKeys() error {
	s.kexMu.Lock()
	defer s.kexMu.Unlock()

	if s.kex == nil || !s.kex.sentNewKeys {
		s.sendDisconnect(sshwire.DisconnectProtocolError, "unexpected NEWKEYS")
		return s.Errorf("NEWKEYS out of sequence")
	}
	if err := s.codec.ActivateRecvKeys(); err != nil {
		return s.DLogErrorf("Inbound key switch failed: %s", err)
	}
	s.kex = nil
	s.lastKexTime = time.Now()
	if err := s.closeKexGate(); err != nil {
		return err
	}
	s.setState(StateKeysEstablished)
	s.establishedOnce.Do(func() { close(s.established) })
	s.DLogf("Key exchange complete")
	return nil
}
