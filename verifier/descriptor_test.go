package verifier

import (
	"testing"

	"github.com/migadu/imapauth/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorString(t *testing.T) {
	ep := config.Endpoint{Host: "mail.example.org", Port: 993}

	tests := []struct {
		name     string
		implicit bool
		explicit bool
		verify   bool
		want     string
	}{
		{"ssl validate", true, false, true, "{mail.example.org:993}/imap/ssl/validate-cert"},
		{"tls novalidate", false, true, false, "{mail.example.org:993}/imap/tls/novalidate-cert"},
		{"none novalidate", false, false, false, "{mail.example.org:993}/imap/novalidate-cert"},
		{"both flags prefer ssl", true, true, true, "{mail.example.org:993}/imap/ssl/validate-cert"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDescriptor(ep, tt.implicit, tt.explicit, tt.verify)
			assert.Equal(t, tt.want, d.String())
		})
	}
}

func TestDescriptorIPv6(t *testing.T) {
	d := NewDescriptor(config.Endpoint{Host: "::1", Port: 143}, false, false, true)
	assert.Equal(t, "{[::1]:143}/imap/validate-cert", d.String())
	assert.Equal(t, "[::1]:143", d.Addr())

	parsed, err := ParseDescriptor(d.String())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)
}

func TestParseDescriptor(t *testing.T) {
	tests := []struct {
		in      string
		want    Descriptor
		wantErr bool
	}{
		{in: "{mail.example.org:993}/imap/ssl/validate-cert", want: Descriptor{Host: "mail.example.org", Port: 993, Security: SecuritySSL, VerifyCert: true}},
		{in: "{mail.example.org:143}/imap/tls/novalidate-cert", want: Descriptor{Host: "mail.example.org", Port: 143, Security: SecurityTLS}},
		{in: "{mail.example.org}/imap/ssl", want: Descriptor{Host: "mail.example.org", Port: 993, Security: SecuritySSL, VerifyCert: true}},
		{in: "{mail.example.org}/imap/notls", want: Descriptor{Host: "mail.example.org", Port: 143, VerifyCert: true}},
		{in: " {10.0.0.1:1143}/imap/NOVALIDATE-CERT ", want: Descriptor{Host: "10.0.0.1", Port: 1143}},
		{in: "mail.example.org:993/imap", wantErr: true},
		{in: "{mail.example.org:993/imap", wantErr: true},
		{in: "{mail.example.org:993}/pop3/ssl", wantErr: true},
		{in: "{mail.example.org:993}", wantErr: true},
		{in: "{mail.example.org:993}/imap/secure", wantErr: true},
		{in: "{mail.example.org:0}/imap", wantErr: true},
		{in: "{mail.example.org:imaps}/imap", wantErr: true},
		{in: "{:993}/imap", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDescriptor(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDescriptorFromConfig(t *testing.T) {
	cfg := config.MailboxConfig{Host: "imap.example.org", Port: "993", EnforceSSL: true, VerifyCert: true}
	d, err := DescriptorFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "{imap.example.org:993}/imap/ssl/validate-cert", d.String())

	cfg.Descriptor = "{other.example.org:143}/imap/tls/novalidate-cert"
	d, err = DescriptorFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "other.example.org", d.Host)
	assert.Equal(t, SecurityTLS, d.Security)

	_, err = DescriptorFromConfig(config.MailboxConfig{Host: "imap.example.org"})
	assert.Error(t, err, "port is required")
}
