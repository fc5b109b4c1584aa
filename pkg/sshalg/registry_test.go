package sshalg

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectFirstInitiatorMatch(t *testing.T) {
	tests := []struct {
		name      string
		initiator []string
		peer      []string
		want      string
		wantErr   bool
	}{
		{"first-wins", []string{"kexA", "kexB"}, []string{"kexB", "kexA"}, "kexA", false},
		{"peer-order-irrelevant", []string{"kexB", "kexA"}, []string{"kexA", "kexB"}, "kexB", false},
		{"skips-unknown", []string{"kexX", "kexB"}, []string{"kexA", "kexB"}, "kexB", false},
		{"single-common", []string{"kexA"}, []string{"kexA"}, "kexA", false},
		{"disjoint", []string{"kexA"}, []string{"kexB"}, "", true},
		{"empty-initiator", nil, []string{"kexA"}, "", true},
		{"empty-peer", []string{"kexA"}, nil, "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Select("kex", tc.initiator, tc.peer)
			if tc.wantErr {
				var negErr *NegotiationError
				require.True(t, errors.As(err, &negErr))
				assert.Equal(t, "kex", negErr.Category)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSelectDeterministic(t *testing.T) {
	initiator := []string{"kexA", "kexB", "kexC"}
	peer := []string{"kexC", "kexB"}
	first, err := Select("kex", initiator, peer)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		again, err := Select("kex", initiator, peer)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestRegistryLookups(t *testing.T) {
	reg := NewDefaultRegistry()

	for _, name := range reg.KexNames() {
		f, err := reg.Kex(name)
		require.NoError(t, err)
		assert.Equal(t, name, f.Name)
	}
	for _, name := range reg.CipherNames() {
		f, err := reg.Cipher(name)
		require.NoError(t, err)
		assert.Equal(t, name, f.Name)
	}

	_, err := reg.Cipher("no-such-cipher")
	var unk *UnknownAlgorithmError
	require.True(t, errors.As(err, &unk))
	assert.Equal(t, "no-such-cipher", unk.Name)
}

func TestCurve25519SharedSecret(t *testing.T) {
	f := KexCurve25519SHA256()
	rand := CryptoRandom()

	client := f.New()
	clientPub, err := client.Init(rand)
	require.NoError(t, err)

	server := f.New()
	serverPub, serverSecret, err := server.Respond(rand, clientPub)
	require.NoError(t, err)

	clientSecret, err := client.Finish(serverPub)
	require.NoError(t, err)
	assert.Equal(t, serverSecret, clientSecret)
}

func TestCurve25519RejectsBadPublicLength(t *testing.T) {
	f := KexCurve25519SHA256()
	rand := CryptoRandom()

	_, _, err := f.New().Respond(rand, []byte{1, 2, 3})
	assert.Error(t, err)

	k := f.New()
	_, err = k.Init(rand)
	require.NoError(t, err)
	_, err = k.Finish([]byte{1})
	assert.Error(t, err)
}

func TestCipherStreamRoundTrip(t *testing.T) {
	for _, f := range NewDefaultRegistry().Ciphers {
		t.Run(f.Name, func(t *testing.T) {
			key := bytes.Repeat([]byte{0x42}, f.KeySize)
			iv := bytes.Repeat([]byte{0x17}, f.IVSize)

			enc, err := f.New(key, iv)
			require.NoError(t, err)
			dec, err := f.New(key, iv)
			require.NoError(t, err)

			plaintext := []byte("the quick brown fox jumps over the lazy dog")
			ct := make([]byte, len(plaintext))
			enc.XORKeyStream(ct, plaintext)
			assert.NotEqual(t, plaintext, ct)

			pt := make([]byte, len(ct))
			dec.XORKeyStream(pt, ct)
			assert.Equal(t, plaintext, pt)
		})
	}
}

func TestMACDiffersBySequence(t *testing.T) {
	for _, f := range NewDefaultRegistry().MACs {
		t.Run(f.Name, func(t *testing.T) {
			key := bytes.Repeat([]byte{0x99}, f.KeySize)
			m := f.New(key)
			packet := []byte("identical packet bytes")

			tag0 := m.Compute(0, packet)
			tag1 := m.Compute(1, packet)
			assert.Len(t, tag0, m.Size())
			assert.NotEqual(t, tag0, tag1)

			// Same sequence and bytes must reproduce the same tag.
			assert.Equal(t, tag0, m.Compute(0, packet))
		})
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	for _, f := range NewDefaultRegistry().Compressions {
		t.Run(f.Name, func(t *testing.T) {
			c := f.New()
			d := f.New()
			payload := bytes.Repeat([]byte("abcd1234"), 512)

			compressed, err := c.Compress(payload)
			require.NoError(t, err)
			restored, err := d.Decompress(compressed)
			require.NoError(t, err)
			assert.Equal(t, payload, restored)
		})
	}
}

func TestEd25519SignAndVerify(t *testing.T) {
	f := SignatureEd25519()
	rand := CryptoRandom()

	signer, err := f.Generate(rand)
	require.NoError(t, err)
	assert.Equal(t, f.Name, signer.AlgorithmName())

	data := []byte("exchange hash bytes")
	sig, err := signer.Sign(rand, data)
	require.NoError(t, err)

	require.NoError(t, f.Verify(signer.PublicKeyBlob(), data, sig))
	assert.Error(t, f.Verify(signer.PublicKeyBlob(), []byte("different"), sig))

	other, err := f.Generate(rand)
	require.NoError(t, err)
	assert.Error(t, f.Verify(other.PublicKeyBlob(), data, sig))
}
