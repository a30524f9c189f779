package signing

import (
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

func TestPropertySignVerifyRoundTrip(t *testing.T) {
	s := New(secret, time.Minute)
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("a fresh token verifies to the same artifact", prop.ForAll(
		func(buildID int64, item string) bool {
			token, err := s.Sign(buildID, item)
			if err != nil {
				return false
			}
			claims, err := s.Verify(token)
			return err == nil && claims.BuildID == buildID && claims.Item == item && claims.ID != ""
		},
		gen.Int64Range(1, 1<<40),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

func TestExpiredToken(t *testing.T) {
	s := New(secret, 0)
	assert.Equal(t, DefaultTTL, s.TTL())

	issued := time.Now()
	s.now = func() time.Time { return issued }
	token, err := s.Sign(7, "build.log")
	require.NoError(t, err)

	s.now = func() time.Time { return issued.Add(DefaultTTL + time.Minute) }
	_, err = s.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestRejectsForeignAndTamperedTokens(t *testing.T) {
	s := New(secret, time.Minute)
	other := New([]byte("another-secret-another-secret-xx"), time.Minute)

	token, err := other.Sign(7, "build.log")
	require.NoError(t, err)
	_, err = s.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	token, err = s.Sign(7, "build.log")
	require.NoError(t, err)
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	_, err = s.Verify(parts[0] + "." + parts[1] + ".AAAA")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.Verify("")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokensAreUnique(t *testing.T) {
	s := New(secret, time.Minute)
	a, err := s.Sign(1, "out.zip")
	require.NoError(t, err)
	b, err := s.Sign(1, "out.zip")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
