package classify

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// SystemInstruction primes LLM providers for the text verdict contract.
const SystemInstruction = "You are an AI safety expert analyzing messages for harmful content. Always respond with valid JSON only."

// BuildTextPrompt renders the analysis request for one message.
func BuildTextPrompt(text, sensitivity string) string {
	if sensitivity == "" {
		sensitivity = "medium"
	}
	return fmt.Sprintf(`Analyze the following message for cyberbullying, harassment, hate speech, sexual content, or inappropriate language.

Message: %q

Provide a JSON response with:
1. is_abusive: boolean (true if abusive)
2. severity: string (one of: low, medium, high, critical)
3. confidence: float (0.0 to 1.0)
4. categories: array of strings (e.g., ["hate_speech", "harassment"])
5. filtered_text: string (replace offensive words with ***)
6. analysis: string (brief explanation)

Sensitivity level: %s

Respond ONLY with valid JSON, no additional text.`, text, sensitivity)
}

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

// decodeVerdict parses an LLM reply into a TextVerdict. Markdown code
// fences are stripped; if the remainder is not JSON the outermost {...}
// object is tried instead.
func decodeVerdict(content string) (TextVerdict, error) {
	clean := strings.TrimSpace(content)
	clean = strings.TrimPrefix(clean, "```json")
	clean = strings.TrimPrefix(clean, "```")
	clean = strings.TrimSuffix(clean, "```")
	clean = strings.TrimSpace(clean)

	var v TextVerdict
	err := json.Unmarshal([]byte(clean), &v)
	if err == nil {
		return v, nil
	}

	obj := jsonObject.FindString(clean)
	if obj == "" {
		return TextVerdict{}, fmt.Errorf("%w: no JSON object in reply", ErrMalformed)
	}
	v = TextVerdict{}
	if err := json.Unmarshal([]byte(obj), &v); err != nil {
		return TextVerdict{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return v, nil
}
