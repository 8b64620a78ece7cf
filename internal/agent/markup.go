package agent

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	markupToolCallRe = regexp.MustCompile(`(?s)<tool_call\s+name="([^"]+)"\s*>(.*?)</tool_call>`)
	markupInvokeRe   = regexp.MustCompile(`(?s)<invoke\s+name="([^"]+)"\s*>(.*?)</invoke>`)
	markupParamRe    = regexp.MustCompile(`(?s)<parameter\s+name="([^"]+)"\s*>(.*?)</parameter>`)
)

// markupBlock is one closed markup call found in assistant text.
type markupBlock struct {
	name string
	raw  string
	// args is set when the block body is a JSON object.
	args json.RawMessage
	end  int
}

// scanMarkup returns the closed blocks in text, in order. Unclosed blocks are
// left for a later scan. The returned offset is where the next scan starts.
func scanMarkup(text string, offset int) ([]markupBlock, int) {
	var blocks []markupBlock
	for offset < len(text) {
		rest := text[offset:]
		tc := markupToolCallRe.FindStringSubmatchIndex(rest)
		inv := markupInvokeRe.FindStringSubmatchIndex(rest)

		var loc []int
		invoke := false
		switch {
		case tc == nil && inv == nil:
			return blocks, offset
		case tc == nil:
			loc, invoke = inv, true
		case inv == nil:
			loc = tc
		case inv[0] < tc[0]:
			loc, invoke = inv, true
		default:
			loc = tc
		}

		name := strings.TrimSpace(rest[loc[2]:loc[3]])
		body := rest[loc[4]:loc[5]]
		block := markupBlock{name: name, end: offset + loc[1]}
		if invoke {
			block.raw, block.args = invokeArguments(body)
		} else {
			block.raw = strings.TrimSpace(body)
			if block.raw == "" {
				block.args = json.RawMessage(`{}`)
			} else if jsonObject(block.raw) {
				block.args = json.RawMessage(block.raw)
			}
		}
		blocks = append(blocks, block)
		offset = block.end
	}
	return blocks, offset
}

// invokeArguments converts <parameter name="k">v</parameter> children into a
// JSON object. Values that parse as JSON keep their type; everything else is
// a string.
func invokeArguments(body string) (string, json.RawMessage) {
	params := map[string]any{}
	for _, m := range markupParamRe.FindAllStringSubmatch(body, -1) {
		key := strings.TrimSpace(m[1])
		value := strings.TrimSpace(m[2])
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			params[key] = decoded
		} else {
			params[key] = value
		}
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return strings.TrimSpace(body), nil
	}
	return string(encoded), encoded
}
