package jwt

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSecret = "0x7365637265747365637265747365637265747365637265747365637265747365"

func TestParseHexKey(t *testing.T) {
	secret, err := ParseHexKey(testSecret + "\n")
	require.NoError(t, err)
	require.Len(t, secret, SecretLength)

	_, err = ParseHexKey("zz")
	require.Error(t, err)
	_, err = ParseHexKey("0x0102")
	require.ErrorContains(t, err, "2 bytes")
}

func TestTokenRoundTrip(t *testing.T) {
	secret, err := ParseHexKey(testSecret)
	require.NoError(t, err)

	token, err := GenerateToken(secret, time.Now())
	require.NoError(t, err)
	require.Len(t, strings.Split(token, "."), 3)
	require.NoError(t, Verify(token, secret))

	other := append([]byte(nil), secret...)
	other[0] ^= 1
	require.Error(t, Verify(token, other))

	expired, err := GenerateToken(secret, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Error(t, Verify(expired, secret))
}

func TestRoundTripper(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jwt.hex")
	require.NoError(t, os.WriteFile(path, []byte(testSecret), 0o600))
	secret, err := ReadSecret(path)
	require.NoError(t, err)

	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	client := &http.Client{Transport: NewRoundTripper(nil, secret)}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	require.True(t, strings.HasPrefix(auth, "Bearer "))
	require.NoError(t, Verify(strings.TrimPrefix(auth, "Bearer "), secret))
}
