package correlation

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/gotrs-io/mailbridge/internal/models"
	"github.com/gotrs-io/mailbridge/internal/repository"
)

// Match describes where a reply belongs. With neither field set the message
// starts a new thread. TicketID is set when the reply must land on a ticket:
// the referenced message lives in a ticket log, or its thread was merged.
type Match struct {
	Thread   *models.EmailThread
	TicketID string
	Via      string // "direct", "index" or ""
}

// Found reports whether the reply attaches to an existing conversation.
func (m Match) Found() bool { return m.Thread != nil || m.TicketID != "" }

// ThreadCorrelator locates the conversation an In-Reply-To header points at.
type ThreadCorrelator struct {
	threads repository.EmailThreadRepository
	index   repository.MessageIndex
	logger  logrus.FieldLogger
}

// NewThreadCorrelator constructs a correlator.
func NewThreadCorrelator(threads repository.EmailThreadRepository, index repository.MessageIndex, logger logrus.FieldLogger) *ThreadCorrelator {
	return &ThreadCorrelator{threads: threads, index: index, logger: logger}
}

// Correlate tries a direct match on the thread's root id, then the message
// index, which covers replies to any entry of any log.
func (c *ThreadCorrelator) Correlate(ctx context.Context, orgID int64, inReplyTo string) (Match, error) {
	inReplyTo = strings.TrimSpace(inReplyTo)
	if inReplyTo == "" {
		return Match{}, nil
	}

	thread, err := c.threads.GetByThreadID(ctx, orgID, inReplyTo)
	switch {
	case err == nil:
		return c.threadMatch(thread, "direct"), nil
	case !errors.Is(err, models.ErrThreadNotFound):
		return Match{}, err
	}

	owner, err := c.index.LookupMessage(ctx, orgID, inReplyTo)
	if err != nil || owner == nil {
		return Match{}, err
	}
	switch owner.Kind {
	case repository.LogTicket:
		c.logf(orgID, inReplyTo, "ticket "+owner.Ref)
		return Match{TicketID: owner.Ref, Via: "index"}, nil
	case repository.LogThread:
		thread, err := c.threads.GetByThreadID(ctx, orgID, owner.Ref)
		if errors.Is(err, models.ErrThreadNotFound) {
			return Match{}, nil
		}
		if err != nil {
			return Match{}, err
		}
		return c.threadMatch(thread, "index"), nil
	}
	return Match{}, nil
}

func (c *ThreadCorrelator) threadMatch(thread *models.EmailThread, via string) Match {
	m := Match{Thread: thread, Via: via}
	if thread.Terminal() {
		m.TicketID = thread.LinkedTicketID
	}
	c.logf(thread.OrganizationID, thread.EmailThreadID, via)
	return m
}

func (c *ThreadCorrelator) logf(orgID int64, ref, via string) {
	if c == nil || c.logger == nil {
		return
	}
	c.logger.WithFields(logrus.Fields{"organization_id": orgID, "ref": ref, "via": via}).Debug("correlated reply")
}
