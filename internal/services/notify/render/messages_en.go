package render

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func init() {
	lang := language.English

	message.SetString(lang, "notify.generic.title", defaultGenericTitle)
	message.SetString(lang, "notify.generic.body", defaultGenericBody)
	message.SetString(lang, "notify.pass_issued.title", "Guest pass issued")
	message.SetString(lang, "notify.pass_issued.body", "A pass for %s is ready (%s), valid until %s.")
	message.SetString(lang, "notify.pass_blocked.title", "Guest pass unavailable")
	message.SetString(lang, "notify.pass_blocked.body", "Pass issuance is currently blocked: %s.")
	message.SetString(lang, "notify.pass_blocked.default_reason", defaultBlockReason)
	message.SetString(lang, "notify.pass_limit_reached.title", "Monthly limit reached")
	message.SetString(lang, "notify.pass_limit_reached.body", "You have used all %d guest passes for this month.")
}
