package ingest

import "strings"

// Policy holds the heuristic tables the pipeline consults. They are
// configuration, not hardcoded literals, so deployments can tune them.
type Policy struct {
	// SingletonThreads controls what happens to a message whose provider
	// supplied no conversation identifier: true creates a one-message
	// thread, false leaves the message threadless.
	SingletonThreads bool

	// NoReplyPatterns are substrings that mark an address as automated;
	// matching addresses never become contacts.
	NoReplyPatterns []string

	// SyntheticIDDomain is the domain used when synthesizing a message
	// identifier for messages without a usable Message-ID header.
	SyntheticIDDomain string

	// PreviewLength bounds the stored preview text, in runes.
	PreviewLength int
}

// DefaultPolicy returns the pipeline defaults.
func DefaultPolicy() Policy {
	return Policy{
		SingletonThreads: true,
		NoReplyPatterns: []string{
			"noreply",
			"no-reply",
			"donotreply",
			"mailer-daemon",
			"postmaster",
		},
		SyntheticIDDomain: "local",
		PreviewLength:     150,
	}
}

// isNoReply reports whether the address matches any automated-sender pattern.
func (p Policy) isNoReply(email string) bool {
	for _, pattern := range p.NoReplyPatterns {
		if pattern != "" && strings.Contains(email, pattern) {
			return true
		}
	}
	return false
}
