package filters

import (
	"regexp"
	"strings"
)

// Outbound subjects are stamped "<subject> #<ticketId>". Matching is case-sensitive
// on the token itself; the first tag wins.
var ticketTagRegexp = regexp.MustCompile(`#([A-Za-z0-9]+)`)

// FindTicketTag returns the first #<alnum> token in the subject, without the '#'.
func FindTicketTag(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return ""
	}
	matches := ticketTagRegexp.FindStringSubmatch(subject)
	if len(matches) < 2 {
		return ""
	}
	return matches[1]
}

// StampSubject appends the ticket tag unless the subject already carries it.
func StampSubject(subject, ticketID string) string {
	subject = strings.TrimSpace(subject)
	if ticketID == "" {
		return subject
	}
	tag := "#" + ticketID
	if strings.HasSuffix(subject, tag) {
		return subject
	}
	if subject == "" {
		return tag
	}
	return subject + " " + tag
}
