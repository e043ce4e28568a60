// Package identity canonicalizes submitted usernames before they are used
// against the mail servers.
package identity

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/emersion/go-message/mail"
	"github.com/migadu/imapauth/config"
	"github.com/migadu/imapauth/consts"
)

// ErrInvalidUsername is returned for names that cannot be canonicalized.
var ErrInvalidUsername = consts.ErrInvalidUsername

const localPartRegex = `^(?i)(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+(?:\.(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+)*$`
const domainNameRegex = `^(?i)(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+[a-z0-9](?:[a-z0-9-]*[a-z0-9])?$`

var (
	localPartRe  = regexp.MustCompile(localPartRegex)
	domainNameRe = regexp.MustCompile(domainNameRegex)
)

// Normalizer turns a raw username into its canonical form. Implementations
// must be idempotent: normalizing a canonical name returns it unchanged.
type Normalizer interface {
	Normalize(raw string) (string, error)
}

// New returns the normalizer selected by cfg.Mode.
func New(cfg config.IdentityConfig) (Normalizer, error) {
	switch cfg.GetMode() {
	case "address":
		return NewAddressNormalizer(cfg), nil
	case "passthrough":
		return PassthroughNormalizer{}, nil
	default:
		return nil, fmt.Errorf("unknown identity mode %q", cfg.Mode)
	}
}

// AddressNormalizer canonicalizes email-style usernames: lowercase,
// optionally qualified with a default domain and stripped of +detail.
type AddressNormalizer struct {
	DefaultDomain string
	RequireDomain bool
	StripDetail   bool
}

func NewAddressNormalizer(cfg config.IdentityConfig) *AddressNormalizer {
	return &AddressNormalizer{
		DefaultDomain: strings.ToLower(strings.TrimSpace(cfg.DefaultDomain)),
		RequireDomain: cfg.RequireDomain,
		StripDetail:   cfg.StripDetail,
	}
}

func (n *AddressNormalizer) Normalize(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUsername)
	}

	// "Jane Doe <jane@example.org>" as pasted from a mail client.
	if strings.ContainsAny(name, "<>") {
		addr, err := mail.ParseAddress(name)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidUsername, err)
		}
		name = addr.Address
	}

	name = strings.ToLower(name)
	if hasSpaceOrControl(name) {
		return "", fmt.Errorf("%w: contains whitespace or control characters", ErrInvalidUsername)
	}

	local, domain, hasDomain := strings.Cut(name, "@")
	if strings.Contains(domain, "@") {
		return "", fmt.Errorf("%w: multiple '@' characters", ErrInvalidUsername)
	}
	if !hasDomain {
		switch {
		case n.DefaultDomain != "":
			domain = n.DefaultDomain
		case n.RequireDomain:
			return "", fmt.Errorf("%w: domain required", ErrInvalidUsername)
		}
	}

	if n.StripDetail {
		if idx := strings.Index(local, "+"); idx != -1 {
			local = local[:idx]
		}
	}

	if !localPartRe.MatchString(local) {
		return "", fmt.Errorf("%w: invalid local part %q", ErrInvalidUsername, local)
	}
	if domain == "" {
		if hasDomain {
			return "", fmt.Errorf("%w: empty domain", ErrInvalidUsername)
		}
		return local, nil
	}
	if !domainNameRe.MatchString(domain) {
		return "", fmt.Errorf("%w: invalid domain %q", ErrInvalidUsername, domain)
	}

	return local + "@" + domain, nil
}

// PassthroughNormalizer only trims surrounding whitespace. It suits mailbox
// servers whose logins are not addresses.
type PassthroughNormalizer struct{}

func (PassthroughNormalizer) Normalize(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUsername)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: contains control characters", ErrInvalidUsername)
		}
	}
	return name, nil
}

func hasSpaceOrControl(s string) bool {
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return true
		}
	}
	return false
}
