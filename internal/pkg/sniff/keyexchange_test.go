package sniff

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cconlon/tlstap/internal/pkg/keystore"
)

func TestFFDHESharedNamedGroups(t *testing.T) {
	tests := []struct {
		name  string
		group uint16
		prime *big.Int
	}{
		{"ffdhe2048", GroupFFDHE2048, ffdhe2048Prime},
		{"ffdhe3072", GroupFFDHE3072, ffdhe3072Prime},
		{"ffdhe4096", GroupFFDHE4096, ffdhe4096Prime},
	}
	g := big.NewInt(2)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size := (tt.prime.BitLen() + 7) / 8
			clientPriv := big.NewInt(0x1d2c3b4a5)
			serverPriv := big.NewInt(0x97a6b5c4d)
			clientPub := make([]byte, size)
			serverPub := make([]byte, size)
			new(big.Int).Exp(g, clientPriv, tt.prime).FillBytes(clientPub)
			new(big.Int).Exp(g, serverPriv, tt.prime).FillBytes(serverPub)

			want := make([]byte, size)
			new(big.Int).Exp(new(big.Int).SetBytes(serverPub), clientPriv, tt.prime).FillBytes(want)

			// Client exponent from the resolver.
			got, err := ephemeralShared(keystore.EphemeralKey{PrivateKey: clientPriv.Bytes()},
				tt.group, serverPub, clientPub)
			require.NoError(t, err)
			assert.Equal(t, want, got)

			// The server's exponent resolves the same secret.
			got, err = ephemeralShared(keystore.EphemeralKey{PrivateKey: serverPriv.Bytes()},
				tt.group, serverPub, clientPub)
			require.NoError(t, err)
			assert.Equal(t, want, got)

			// A precomputed secret bypasses the exponentiation.
			got, err = ephemeralShared(keystore.EphemeralKey{Secret: want},
				tt.group, serverPub, clientPub)
			require.NoError(t, err)
			assert.Equal(t, want, got)

			assert.Equal(t, tt.group, matchFFDHEGroup(tt.prime.Bytes()))
		})
	}
}

func TestEphemeralSharedUnknownGroup(t *testing.T) {
	_, err := ephemeralShared(keystore.EphemeralKey{PrivateKey: []byte{1}}, 0x9999, nil, nil)
	require.ErrorIs(t, err, ErrKeyUnavailable)
}

func TestMatchFFDHEGroupUnknownPrime(t *testing.T) {
	assert.Zero(t, matchFFDHEGroup([]byte{0xff, 0xff, 0xff}))
}
