package store

// Message header fields read when a message is stored.
const (
	HeaderMessageID   = "Message-Id"
	HeaderInReplyTo   = "In-Reply-To"
	HeaderReferences  = "References"
	HeaderSubject     = "Subject"
	HeaderContentType = "Content-Type"
	HeaderDate        = "Date"
)

// Default content types.
const (
	ContentTypeMessage = "message/rfc822"
	ContentTypeText    = "text/plain"
)
