// Package anthropic holds the response shape of the Anthropic Messages API.
// Request building for this provider does not exist yet.
package anthropic

import "github.com/tidwall/gjson"

// TextPath locates the generated text inside a messages response.
const TextPath = "content.0.text"

// ExtractText reads content[0].text.
func ExtractText(body []byte) (text string, ok bool) {
	res := gjson.GetBytes(body, TextPath)
	if res.Type != gjson.String {
		return "", false
	}
	return res.String(), true
}
