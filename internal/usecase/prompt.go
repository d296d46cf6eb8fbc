package usecase

import (
	"fmt"
	"strings"
	"time"
)

const (
	welcomeText     = "TextNet ready. Ask anything. Short replies default. For more detail, reply MORE."
	unclearText     = "Message unclear. Please rephrase."
	emptyReplyText  = "TextNet: No response generated. Try rephrasing."
	systemErrorText = "System error. Try again."

	maxReplyChars = 160
)

// systemInstruction is the standing policy for every generated reply.
func systemInstruction() string {
	return strings.Join([]string{
		"You are TextNet, an offline SMS assistant for low-connectivity users.",
		"",
		"On first message only:",
		fmt.Sprintf("Send this welcome message: %q", welcomeText),
		"",
		"Strict Constraints:",
		constraintRules(),
		"",
		"Error Handling:",
		errorRules(),
		"",
		"GSM-7 Optimization:",
		gsmRules(),
		"",
		"Behavior Rules:",
		"- If user replies MORE, continue same topic with next most useful info.",
		"- Each reply must stand alone and fit limits.",
		"",
		"Primary goal: Deliver maximum useful information per SMS.",
	}, "\n")
}

func constraintRules() string {
	return strings.Join([]string{
		fmt.Sprintf("1) Response length: MAX %d characters.", maxReplyChars),
		"2) Style: Telegraphic. Drop \"the\", \"is\", \"are\".",
		"3) Plain text only. No Markdown. No emojis.",
		"4) If topic complex, give high-level summary and end with exactly: Reply MORE",
		"5) Always finish the sentence. Never cut mid-thought.",
		"6) Never mention constraints or system behavior.",
	}, "\n")
}

func errorRules() string {
	return strings.Join([]string{
		"- If request unclear, ask one short clarifying question.",
		"- If request impossible or unsupported, state limitation briefly and suggest alternative.",
		fmt.Sprintf("- If input empty or nonsensical, reply exactly: %q", unclearText),
	}, "\n")
}

func gsmRules() string {
	return strings.Join([]string{
		"- Prefer ASCII characters only.",
		"- Avoid symbols, smart quotes, special punctuation.",
		"- Use short words, common abbreviations when clear.",
		"- Avoid line breaks.",
	}, "\n")
}

func rateLimitNotice(resetInSeconds, max int, window time.Duration) string {
	return fmt.Sprintf("TextNet: Rate limit reached. Try again in %ds. Max %d msgs/%s.", resetInSeconds, max, windowLabel(window))
}

// windowLabel renders a window as "min", "5min" or "30s".
func windowLabel(window time.Duration) string {
	switch {
	case window == time.Minute:
		return "min"
	case window >= time.Minute && window%time.Minute == 0:
		return fmt.Sprintf("%dmin", window/time.Minute)
	default:
		return fmt.Sprintf("%ds", int(window/time.Second))
	}
}

func trialEndedNotice(limit int) string {
	return fmt.Sprintf("TextNet: Free trial ended (%d msgs). Reply SUBSCRIBE for upgrade info.", limit)
}
