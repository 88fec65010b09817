package filters

import (
	"context"

	"github.com/sirupsen/logrus"
)

// SubjectTagFilter extracts "#<ticketId>" tags from the subject.
type SubjectTagFilter struct {
	logger logrus.FieldLogger
}

// NewSubjectTagFilter constructs the filter instance.
func NewSubjectTagFilter(logger logrus.FieldLogger) *SubjectTagFilter {
	return &SubjectTagFilter{logger: logger}
}

// ID implements Filter.
func (f *SubjectTagFilter) ID() string { return "subject_ticket_tag" }

// Apply scans the subject for a ticket tag and stores the ticket id annotation.
func (f *SubjectTagFilter) Apply(ctx context.Context, m *MessageContext) error {
	if m == nil || m.Message == nil {
		return nil
	}
	tag := FindTicketTag(m.Message.Subject)
	if tag == "" {
		return nil
	}
	m.Annotate(AnnotationTicketTag, tag)
	f.logf("subject_ticket_tag: detected ticket %s", tag)
	return nil
}

func (f *SubjectTagFilter) logf(format string, args ...any) {
	if f == nil || f.logger == nil {
		return
	}
	f.logger.Debugf(format, args...)
}
