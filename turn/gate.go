package turn

import (
	"strings"
	"unicode/utf8"
)

// ===== 🚪 记忆摄取闸门 =====

// worthinessMinLength 是进入摄取队列所需的最小联合长度（按符文计）。
const worthinessMinLength = 50

// reflectiveKeywords 标记值得长期记住的回合：个人事实、情绪、
// 决定、里程碑。命中任意一个且长度达标才入队。
var reflectiveKeywords = []string{
	"remember",
	"feel",
	"felt",
	"feeling",
	"realize",
	"realized",
	"learned",
	"decided",
	"decision",
	"plan",
	"goal",
	"dream",
	"hope",
	"worried",
	"anxious",
	"excited",
	"proud",
	"grateful",
	"regret",
	"miss",
	"love",
	"hate",
	"believe",
	"important",
	"milestone",
	"birthday",
	"anniversary",
	"graduated",
	"promoted",
	"moved",
	"married",
	"diagnosed",
}

// worthy 判断一个回合是否值得送入记忆摄取队列，
// 返回命中的关键词以便记录。
func worthy(userText, responseText string) (bool, []string) {
	combined := userText + " " + responseText
	if utf8.RuneCountInString(combined) < worthinessMinLength {
		return false, nil
	}

	lower := strings.ToLower(combined)
	var matched []string
	for _, kw := range reflectiveKeywords {
		if strings.Contains(lower, kw) {
			matched = append(matched, kw)
		}
	}
	return len(matched) > 0, matched
}
