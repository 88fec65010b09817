package filters

const (
	AnnotationTicketTag     = "postmaster.ticket_tag"
	AnnotationIgnoreMessage = "postmaster.ignore_message"
	AnnotationIgnoreReason  = "postmaster.ignore_reason"
	AnnotationBodyText      = "postmaster.body_text"
)
