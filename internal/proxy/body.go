package proxy

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// usernamePattern matches the self-introduction some clients place in their
// system prompt, with several quote styles around the name.
var usernamePattern = regexp.MustCompile(`ユーザーの名前は[「『“"']([^」』”"']+)[」』”"']`)

// clineGrammar constrains Harmony-style output channels for agentic coding
// clients. Injected verbatim; the upstream validates it.
const clineGrammar = `root ::= analysis? start final .+
analysis ::= "<|channel|>analysis<|message|>" ( [^<] | "<" [^|] | "<|" [^e] )* "<|end|>"
start ::= "<|start|>assistant"
final ::= "<|channel|>final<|message|>"`

// extractUsername scans system messages for the username pattern and
// returns the first trimmed capture, or "".
func extractUsername(messages gjson.Result) string {
	if !messages.IsArray() {
		return ""
	}
	found := ""
	messages.ForEach(func(_, msg gjson.Result) bool {
		if msg.Get("role").String() != "system" {
			return true
		}
		text := messageText(msg.Get("content"))
		if text == "" {
			return true
		}
		if m := usernamePattern.FindStringSubmatch(text); m != nil {
			if name := strings.TrimSpace(m[1]); name != "" {
				found = name
				return false
			}
		}
		return true
	})
	return found
}

// messageText flattens a message content field: a plain string is returned
// as-is, a content-part list has its text parts joined with newlines.
func messageText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return ""
	}
	var parts []string
	content.ForEach(func(_, item gjson.Result) bool {
		if t := item.Get("text"); t.Type == gjson.String {
			parts = append(parts, t.String())
		}
		return true
	})
	return strings.Join(parts, "\n")
}

// applyGrammarHook rewrites bodies from agentic coding clients (system
// prompt starting with "You are Cline" or "You are Roo") to pin the
// reasoning format and attach the output grammar. For content-part lists
// only the first part is probed. Reports whether the body changed.
func applyGrammarHook(body []byte) ([]byte, bool) {
	hit := false
	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		if msg.Get("role").String() != "system" {
			return true
		}
		text := probeText(msg.Get("content"))
		if strings.HasPrefix(text, "You are Cline") || strings.HasPrefix(text, "You are Roo") {
			hit = true
			return false
		}
		return true
	})
	if !hit {
		return body, false
	}
	body, _ = sjson.SetBytes(body, "reasoning_format", "auto")
	body, _ = sjson.SetBytes(body, "grammar", clineGrammar)
	return body, true
}

// probeText returns the text the grammar hook matches against: the content
// string itself, or the text of the first content part.
func probeText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		if arr := content.Array(); len(arr) > 0 {
			return arr[0].Get("text").String()
		}
	}
	return ""
}
