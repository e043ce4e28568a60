package helpers

import "strings"

// MaskSensitive redacts credentials from a protocol trace line.
//
// For IMAP the line is expected as "<tag> LOGIN <user> <pass>" or
// "<tag> AUTHENTICATE <mech> <data>": everything after the second argument
// following the command is replaced. Lines whose command is not listed in
// sensitiveCommands are returned unchanged.
func MaskSensitive(line, command string, sensitiveCommands ...string) string {
	isSensitive := false
	for _, cmd := range sensitiveCommands {
		if strings.EqualFold(command, cmd) {
			isSensitive = true
			break
		}
	}
	if !isSensitive {
		return line
	}

	parts := strings.Fields(line)
	cmdIndex := -1
	for i, p := range parts {
		if strings.EqualFold(p, command) {
			cmdIndex = i
			break
		}
	}
	if cmdIndex == -1 {
		return line
	}

	keep := cmdIndex + 2
	if len(parts) > keep {
		return strings.Join(parts[:keep], " ") + " [REDACTED]"
	}
	return line
}

// MaskUsername keeps the first character of the local part and the domain,
// e.g. "alice@example.org" becomes "a****@example.org".
func MaskUsername(username string) string {
	local, domain, hasDomain := strings.Cut(username, "@")
	if local == "" {
		return username
	}
	masked := local[:1] + strings.Repeat("*", len(local)-1)
	if hasDomain {
		return masked + "@" + domain
	}
	return masked
}
