package identity

import (
	"errors"
	"testing"

	"github.com/migadu/imapauth/config"
	"github.com/migadu/imapauth/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressNormalizer(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.IdentityConfig
		input   string
		want    string
		wantErr bool
	}{
		{name: "plain address", input: "user@example.org", want: "user@example.org"},
		{name: "trim and lowercase", input: "  User@Example.ORG ", want: "user@example.org"},
		{name: "display name", input: "Jane Doe <Jane@Example.org>", want: "jane@example.org"},
		{name: "bare local part", input: "jane", want: "jane"},
		{name: "default domain", cfg: config.IdentityConfig{DefaultDomain: "Example.org"}, input: "Jane", want: "jane@example.org"},
		{name: "require domain", cfg: config.IdentityConfig{RequireDomain: true}, input: "jane", wantErr: true},
		{name: "keep detail", input: "jane+lists@example.org", want: "jane+lists@example.org"},
		{name: "strip detail", cfg: config.IdentityConfig{StripDetail: true}, input: "jane+lists@example.org", want: "jane@example.org"},
		{name: "only detail", cfg: config.IdentityConfig{StripDetail: true}, input: "+lists@example.org", wantErr: true},
		{name: "empty", input: "   ", wantErr: true},
		{name: "inner space", input: "ja ne@example.org", wantErr: true},
		{name: "control character", input: "jane\r\n@example.org", wantErr: true},
		{name: "two at signs", input: "jane@example.org@token", wantErr: true},
		{name: "empty domain", input: "jane@", wantErr: true},
		{name: "bad domain", input: "jane@-example.org", wantErr: true},
		{name: "consecutive dots", input: "ja..ne@example.org", wantErr: true},
		{name: "broken display name", input: "Jane <jane@example.org", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewAddressNormalizer(tt.cfg)
			got, err := n.Normalize(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidUsername))
				assert.True(t, errors.Is(err, consts.ErrInvalidUsername))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizersAreIdempotent(t *testing.T) {
	normalizers := map[string]Normalizer{
		"address":       NewAddressNormalizer(config.IdentityConfig{}),
		"defaultDomain": NewAddressNormalizer(config.IdentityConfig{DefaultDomain: "example.org", StripDetail: true}),
		"passthrough":   PassthroughNormalizer{},
	}
	inputs := []string{
		"user@example.org",
		" USER@example.org",
		"Jane Doe <Jane+Tag@Example.org>",
		"jane",
		"jane+tag",
		"o'brien@example.org",
	}

	for name, n := range normalizers {
		for _, in := range inputs {
			once, err := n.Normalize(in)
			if err != nil {
				continue
			}
			twice, err := n.Normalize(once)
			require.NoError(t, err, "%s: %q", name, once)
			assert.Equal(t, once, twice, "%s: %q", name, in)
		}
	}
}

func TestPassthroughNormalizer(t *testing.T) {
	n := PassthroughNormalizer{}

	got, err := n.Normalize("  Domain\\User ")
	require.NoError(t, err)
	assert.Equal(t, "Domain\\User", got)

	_, err = n.Normalize("")
	assert.ErrorIs(t, err, ErrInvalidUsername)

	_, err = n.Normalize("user\x00")
	assert.ErrorIs(t, err, ErrInvalidUsername)
}

func TestNew(t *testing.T) {
	n, err := New(config.IdentityConfig{})
	require.NoError(t, err)
	assert.IsType(t, &AddressNormalizer{}, n)

	n, err = New(config.IdentityConfig{Mode: "Passthrough"})
	require.NoError(t, err)
	assert.IsType(t, PassthroughNormalizer{}, n)

	_, err = New(config.IdentityConfig{Mode: "ldap"})
	assert.Error(t, err)
}
