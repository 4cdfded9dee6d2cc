package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func authorizedKeyLine(t *testing.T, comment string) (string, ssh.PublicKey) {
	t.Helper()

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	line := string(ssh.MarshalAuthorizedKey(sshPub))
	if comment != "" {
		line = line[:len(line)-1] + " " + comment + "\n"
	}
	return line, sshPub
}

func TestParseAuthorizedKey(t *testing.T) {
	line, want := authorizedKeyLine(t, "agent@build-7")

	pubkey, label, err := ParseAuthorizedKey(line)
	require.NoError(t, err)
	assert.Equal(t, want.Marshal(), pubkey.Marshal())
	assert.Equal(t, "agent@build-7", label)
}

func TestParseAuthorizedKey_TrimsWhitespace(t *testing.T) {
	line, want := authorizedKeyLine(t, "")

	pubkey, _, err := ParseAuthorizedKey("  \t" + line + "  ")
	require.NoError(t, err)
	assert.Equal(t, want.Marshal(), pubkey.Marshal())
}

func TestParseAuthorizedKey_RejectsNonEd25519(t *testing.T) {
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(&ecKey.PublicKey)
	require.NoError(t, err)

	_, _, err = ParseAuthorizedKey(string(ssh.MarshalAuthorizedKey(sshPub)))
	assert.ErrorContains(t, err, "unsupported key type")
}

func TestParseAuthorizedKey_RejectsGarbage(t *testing.T) {
	_, _, err := ParseAuthorizedKey("not a key at all")
	assert.Error(t, err)
}

func TestComputeFingerprint_Stable(t *testing.T) {
	line, sshPub := authorizedKeyLine(t, "")

	fp1 := ComputeFingerprint(sshPub)
	fp2, err := FingerprintFromAuthorizedKey(line)
	require.NoError(t, err)

	assert.Equal(t, fp1, fp2)
	assert.Regexp(t, "^[0-9a-f]{64}$", fp1.String())

	// Round-trip through the wire encoding preserves the fingerprint.
	restored, err := PublicKeyFromWire(sshPub.Marshal())
	require.NoError(t, err)
	assert.Equal(t, fp1, ComputeFingerprint(restored))
}
