package render

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func init() {
	lang := language.Arabic

	message.SetString(lang, "notify.generic.title", "تحديث تصريح الزوار")
	message.SetString(lang, "notify.generic.body", "هناك تحديث بخصوص تصاريح الزوار الخاصة بك.")
	message.SetString(lang, "notify.pass_issued.title", "تم إصدار تصريح الزائر")
	message.SetString(lang, "notify.pass_issued.body", "تصريح الزائر %s جاهز (%s)، صالح حتى %s.")
	message.SetString(lang, "notify.pass_blocked.title", "تصريح الزائر غير متاح")
	message.SetString(lang, "notify.pass_blocked.body", "إصدار التصاريح موقوف حاليًا: %s.")
	message.SetString(lang, "notify.pass_blocked.default_reason", "سياسة المجمع")
	message.SetString(lang, "notify.pass_limit_reached.title", "تم بلوغ الحد الشهري")
	message.SetString(lang, "notify.pass_limit_reached.body", "لقد استخدمت جميع تصاريح الزوار البالغ عددها %d لهذا الشهر.")
}
