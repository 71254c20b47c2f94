package store

// MailboxStatus is the IMAP STATUS view of a mailbox.
type MailboxStatus struct {
	MailboxID     MailboxID
	Messages      int64
	Unseen        int64
	Recent        int64
	FirstUnseen   UID // 0 when every message is seen
	UidNext       UID
	UidValidity   UidValidity
	HighestModSeq ModSeq
}
