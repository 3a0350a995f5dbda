package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret-test-secret-test-sec")

func TestStaticProvider(t *testing.T) {
	t.Parallel()
	id, err := StaticProvider{Identity: Identity{UID: "u1", Email: "a@b.c"}}.Current(context.Background())
	require.NoError(t, err)
	require.Equal(t, "u1", id.UID)

	_, err = StaticProvider{}.Current(context.Background())
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestTokenProviderRoundTrip(t *testing.T) {
	t.Parallel()
	tok, err := IssueToken(Identity{UID: "uid-42", Email: "admin@example.com"}, secret, time.Hour)
	require.NoError(t, err)

	p := TokenProvider{Secret: secret, Token: func(context.Context) (string, error) { return tok, nil }}
	id, err := p.Current(context.Background())
	require.NoError(t, err)
	require.Equal(t, Identity{UID: "uid-42", Email: "admin@example.com"}, id)
}

func TestTokenProviderRejects(t *testing.T) {
	t.Parallel()
	good, err := IssueToken(Identity{UID: "uid-42"}, secret, time.Hour)
	require.NoError(t, err)
	wrongKey, err := IssueToken(Identity{UID: "uid-42"}, []byte("another-secret-another-secret-00"), time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		tokErr error
		now   func() time.Time
	}{
		{name: "empty", token: ""},
		{name: "garbage", token: "not.a.jwt"},
		{name: "wrong key", token: wrongKey},
		{name: "expired", token: good, now: func() time.Time { return time.Now().Add(2 * time.Hour) }},
		{name: "source error", tokErr: errors.New("keychain locked")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := TokenProvider{
				Secret: secret,
				Token:  func(context.Context) (string, error) { return tt.token, tt.tokErr },
				Now:    tt.now,
			}
			_, err := p.Current(context.Background())
			require.ErrorIs(t, err, ErrUnauthenticated)
		})
	}
}

func TestIssueTokenValidates(t *testing.T) {
	t.Parallel()
	_, err := IssueToken(Identity{}, secret, time.Hour)
	require.Error(t, err)
	_, err = IssueToken(Identity{UID: "x"}, nil, time.Hour)
	require.Error(t, err)
}
