package verifier

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/migadu/imapauth/config"
)

// SecurityMode selects how the connection to the mailbox server is protected.
type SecurityMode int

const (
	SecurityNone SecurityMode = iota
	SecuritySSL               // implicit TLS from the first byte
	SecurityTLS               // plaintext greeting, then STARTTLS
)

func (m SecurityMode) String() string {
	switch m {
	case SecuritySSL:
		return "ssl"
	case SecurityTLS:
		return "tls"
	default:
		return "none"
	}
}

// Descriptor parameterizes a single login attempt. It renders as
//
//	{host:port}/imap[/ssl|/tls][/validate-cert|/novalidate-cert]
type Descriptor struct {
	Host       string
	Port       int
	Security   SecurityMode
	VerifyCert bool
}

// NewDescriptor builds a descriptor for ep. When both implicitTLS and
// explicitTLS are set, implicit TLS is used.
func NewDescriptor(ep config.Endpoint, implicitTLS, explicitTLS, verifyCert bool) Descriptor {
	d := Descriptor{Host: ep.Host, Port: ep.Port, VerifyCert: verifyCert}
	switch {
	case implicitTLS:
		d.Security = SecuritySSL
	case explicitTLS:
		d.Security = SecurityTLS
	}
	return d
}

// DescriptorFromConfig returns the configured descriptor string if one is set,
// otherwise builds one from the individual mailbox settings.
func DescriptorFromConfig(cfg config.MailboxConfig) (Descriptor, error) {
	if cfg.Descriptor != "" {
		return ParseDescriptor(cfg.Descriptor)
	}
	ep, err := cfg.Endpoint()
	if err != nil {
		return Descriptor{}, err
	}
	return NewDescriptor(ep, cfg.EnforceSSL, cfg.EnforceTLS, cfg.VerifyCert), nil
}

// Addr returns the dialable host:port.
func (d Descriptor) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

func (d Descriptor) String() string {
	var b strings.Builder
	b.WriteString("{")
	b.WriteString(d.Addr())
	b.WriteString("}/imap")
	switch d.Security {
	case SecuritySSL:
		b.WriteString("/ssl")
	case SecurityTLS:
		b.WriteString("/tls")
	}
	if d.VerifyCert {
		b.WriteString("/validate-cert")
	} else {
		b.WriteString("/novalidate-cert")
	}
	return b.String()
}

// ParseDescriptor parses the String form. The port may be omitted, in which
// case 993 is used for /ssl and 143 otherwise. Certificates are validated
// unless /novalidate-cert is given.
func ParseDescriptor(s string) (Descriptor, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return Descriptor{}, fmt.Errorf("descriptor %q must start with '{'", s)
	}
	end := strings.Index(s, "}")
	if end == -1 {
		return Descriptor{}, fmt.Errorf("descriptor %q is missing '}'", s)
	}
	hostPort := s[1:end]
	rest := s[end+1:]

	d := Descriptor{VerifyCert: true}
	var portStr string
	if host, port, err := net.SplitHostPort(hostPort); err == nil {
		d.Host, portStr = host, port
	} else {
		d.Host = strings.Trim(hostPort, "[]")
	}
	if d.Host == "" {
		return Descriptor{}, fmt.Errorf("descriptor %q has no host", s)
	}

	flags := strings.Split(strings.TrimPrefix(rest, "/"), "/")
	if rest == "" || flags[0] != "imap" {
		return Descriptor{}, fmt.Errorf("descriptor %q: only the imap service is supported", s)
	}
	var sawSSL, sawTLS bool
	for _, flag := range flags[1:] {
		switch strings.ToLower(flag) {
		case "ssl":
			sawSSL = true
		case "tls":
			sawTLS = true
		case "notls":
		case "validate-cert":
			d.VerifyCert = true
		case "novalidate-cert":
			d.VerifyCert = false
		default:
			return Descriptor{}, fmt.Errorf("descriptor %q: unknown flag %q", s, flag)
		}
	}
	switch {
	case sawSSL:
		d.Security = SecuritySSL
	case sawTLS:
		d.Security = SecurityTLS
	}

	switch {
	case portStr != "":
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return Descriptor{}, fmt.Errorf("descriptor %q: invalid port %q", s, portStr)
		}
		d.Port = port
	case d.Security == SecuritySSL:
		d.Port = 993
	default:
		d.Port = 143
	}

	return d, nil
}
