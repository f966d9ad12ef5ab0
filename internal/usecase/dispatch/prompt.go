package dispatch

import (
	"fmt"
	"strings"
)

// Reserved reply tokens.
const (
	// AckToken is the acknowledgment a dispatcher returns once it has
	// absorbed the roster.
	AckToken = "OK"
	// ErrorToken is returned by a dispatcher that could not decide.
	ErrorToken = "error"
	// DefaultUserToken designates the end user as the next speaker.
	DefaultUserToken = "用户"
)

const rosterHeader = "可用的智能体有：\n"

// BuildRosterPrompt renders the roster as one line per character, in roster order.
func BuildRosterPrompt(roster []*CharacterAgent) string {
	var b strings.Builder
	b.WriteString(rosterHeader)
	for _, c := range roster {
		fmt.Fprintf(&b, "%s：%s（ID: %s）\n", c.identity.Name, c.identity.Description, c.identity.ID)
	}
	return b.String()
}

// BuildCharacterTurnPrompt renders a character's line for the next-speaker detector.
func BuildCharacterTurnPrompt(characterName, characterMessage string) string {
	return characterName + "：" + characterMessage
}

// Analysis messages attached to dispatch decisions.
const (
	analysisSelected         = "已选择「%s」回答您的问题"
	analysisDefaultAgent     = "无法确定最佳智能体，默认使用：%s"
	analysisHandshakeOnly    = "已初始化智能体发言对象检测"
	analysisUserNext         = "用户将进行下一轮发言"
	analysisDetectorError    = "检测发生错误，默认由用户进行下一轮发言"
	analysisSelfSelected     = "不应选择当前发言者（%s）作为下一个发言者，默认由用户进行下一轮发言"
	analysisExactNext        = "下一个发言者将是「%s」"
	analysisFuzzyNext        = "下一个发言者可能是「%s」"
	analysisUndeterminedNext = "无法确定下一个发言者，默认由用户进行下一轮发言"
)
