package filters

import (
	"context"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/sirupsen/logrus"

	"github.com/gotrs-io/mailbridge/internal/models"
)

// HTMLBodyFilter sanitizes the inbound HTML body before it is stored as entry text.
// The sanitized result lands in AnnotationBodyText; bodies that sanitize to
// nothing become "(No Content)". Markup without text, such as an inline
// screenshot, is kept.
type HTMLBodyFilter struct {
	logger logrus.FieldLogger
	policy *bluemonday.Policy
}

// NewHTMLBodyFilter constructs the filter with the UGC policy used for agent-facing rendering.
func NewHTMLBodyFilter(logger logrus.FieldLogger) *HTMLBodyFilter {
	return &HTMLBodyFilter{
		logger: logger,
		policy: bluemonday.UGCPolicy(),
	}
}

// ID implements Filter.
func (f *HTMLBodyFilter) ID() string { return "html_body_sanitize" }

// Apply implements Filter.
func (f *HTMLBodyFilter) Apply(ctx context.Context, m *MessageContext) error {
	if m == nil || m.Message == nil {
		return nil
	}
	m.Annotate(AnnotationBodyText, f.Sanitize(m.Message.HTMLBody))
	return nil
}

// Sanitize returns safe HTML, or the default entry text when the policy strips everything.
func (f *HTMLBodyFilter) Sanitize(body string) string {
	if strings.TrimSpace(body) == "" {
		return models.DefaultEntryText
	}
	clean := strings.TrimSpace(f.policy.Sanitize(body))
	if clean == "" {
		f.logf("html_body_sanitize: nothing left after sanitizing")
		return models.DefaultEntryText
	}
	return clean
}

func (f *HTMLBodyFilter) logf(format string, args ...any) {
	if f == nil || f.logger == nil {
		return
	}
	f.logger.Debugf(format, args...)
}
