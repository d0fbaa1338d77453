package moderation

func tokenizePlain(text string) []string {
	return spanStrings(tokenSpans(text, false), text)
}

func tokenizeLeet(text string) []string {
	return spanStrings(tokenSpans(text, true), text)
}

func spanStrings(spans []span, text string) []string {
	if len(spans) == 0 {
		return nil
	}
	out := make([]string, len(spans))
	for i, s := range spans {
		out[i] = text[s.start:s.end]
	}
	return out
}
