package intent

import "strings"

// confirmationTokens mark a user message as consenting to the order
// action. Matching is case-insensitive substring containment; the short
// tokens are safe because the assistant side must confirm too.
var confirmationTokens = []string{
	// Vietnamese
	"đồng ý",
	"xác nhận",
	"ok",
	"được",
	"đặt hàng",
	// English
	"confirm",
	"yes",
	"agree",
	"order",
	"place order",
}

// completionPhrases mark the assistant's final answer as having closed
// the action for the given intent.
var completionPhrases = map[string][]string{
	PlaceOrder: {
		"đơn hàng đã được xác nhận",
		"đã ghi nhận",
		"order confirmed",
		"successfully placed",
	},
	UpdateOrder: {
		"đã cập nhật",
		"cập nhật thành công",
		"đã được cập nhật",
		"order updated",
		"successfully updated",
		"update confirmed",
	},
	CheckQuantity: {
		"đã gửi yêu cầu",
		"sẽ kiểm tra",
		"đã ghi nhận yêu cầu",
		"request sent",
		"will check",
	},
}

// Complete reports whether an order-intent turn is finished: the user
// consented and the assistant announced completion. Both sides must hold
// before any extraction or dispatch happens.
func Complete(intentName, userMessage, finalAnswer string) bool {
	phrases, ok := completionPhrases[intentName]
	if !ok {
		return false
	}
	return containsAny(userMessage, confirmationTokens) && containsAny(finalAnswer, phrases)
}

func containsAny(s string, needles []string) bool {
	s = strings.ToLower(s)
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}
