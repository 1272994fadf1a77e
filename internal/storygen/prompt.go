package storygen

import (
	"fmt"
	"strings"
)

const systemPromptTemplate = `You are an author of illustrated children's picture books.
Write in %s. Answer with a single JSON object and nothing else:
{"title": string, "pages": [{"text": string, "illustrationPrompt": string}]}
Each page has 2-4 short sentences. Each illustrationPrompt describes one scene for an illustrator:
who is in it, what they do, where, the mood. Repeat the visual description of every character
in every prompt so the illustrations stay consistent. Never put text or letters in a scene.`

func systemPrompt(language string) string {
	if strings.TrimSpace(language) == "" {
		language = "English"
	}
	return fmt.Sprintf(systemPromptTemplate, languageName(language))
}

func userPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Theme: %s\n", strings.TrimSpace(req.Theme))
	fmt.Fprintf(&b, "Number of pages: exactly %d\n", req.PageCount)
	if len(req.Cast) > 0 {
		b.WriteString("Cast:\n")
		for _, el := range req.Cast {
			fmt.Fprintf(&b, "- %s %q", el.Kind, el.Name)
			if d := strings.TrimSpace(el.Description); d != "" {
				fmt.Fprintf(&b, ": %s", d)
			}
			b.WriteByte('\n')
		}
	}
	return b.String()
}

var languageNames = map[string]string{
	"en": "English",
	"es": "Spanish",
	"fr": "French",
	"de": "German",
	"it": "Italian",
	"pt": "Portuguese",
	"ru": "Russian",
}

func languageName(code string) string {
	if name, ok := languageNames[strings.ToLower(code)]; ok {
		return name
	}
	return code
}
