package probe

// Reply describes an SMTP reply code returned to RCPT TO.
type Reply struct {
	Class       string
	Description string
}

// DescribeReply returns a short class and description for an SMTP reply code.
// The class is used as a metrics label and in probe logs.
func DescribeReply(code int) Reply {
	switch code {
	case 250:
		return Reply{"accepted", "Requested mail action okay, completed"}
	case 251:
		return Reply{"forwarded", "User not local; will forward"}
	case 252:
		return Reply{"cannot_verify", "Cannot verify user, but will accept message"}

	case 421:
		return Reply{"service_unavailable", "Service not available, closing transmission channel"}
	case 450:
		return Reply{"mailbox_busy", "Mailbox unavailable (busy or greylisted)"}
	case 451:
		return Reply{"greylisting", "Local error in processing, often greylisting"}
	case 452:
		return Reply{"insufficient_storage", "Insufficient system storage"}

	case 500, 501, 502, 503, 504:
		return Reply{"syntax_error", "Syntax error or command not implemented"}
	case 521:
		return Reply{"domain_not_accept_mail", "Domain does not accept mail"}
	case 530:
		return Reply{"authentication_required", "Authentication required"}
	case 550:
		return Reply{"user_unknown", "Mailbox unavailable"}
	case 551:
		return Reply{"user_not_local", "User not local"}
	case 552:
		return Reply{"mailbox_full", "Exceeded storage allocation"}
	case 553:
		return Reply{"mailbox_name_not_allowed", "Mailbox name not allowed"}
	case 554:
		return Reply{"transaction_failed", "Transaction failed"}
	}

	switch code / 100 {
	case 2:
		return Reply{"success", "Success response"}
	case 4:
		return Reply{"temporary_failure", "Temporary failure"}
	case 5:
		return Reply{"permanent_failure", "Permanent failure"}
	}
	return Reply{"unknown", "Unknown response"}
}
