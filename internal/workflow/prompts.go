package workflow

import (
	"fmt"
	"strings"

	"github.com/plurapp/ai-engine/internal/domain/job"
)

// Styles maps a named visual style to the prompt keywords that realise it.
var Styles = map[string]string{
	"Photorealist": "8k, photorealistic, highly detailed, dramatic lighting, depth of field, color graded, movie scene",
	"Anime":        "anime style, studio ghibli inspired, vibrant colors, cel shaded, highly detailed, 2d animation style",
	"Painting":     "digital oil painting, textured brushstrokes, artistic, detailed, masterpiece, conceptual art",
	"Cyberpunk":    "cyberpunk style, neon lights, futuristic city, chromatic aberration, high tech, night time",
	"Polaroid":     "vintage polaroid photo, film grain, flash photography, retro aesthetic, soft focus, 90s style",
	"Cinematic":    "cinematic, dramatic lighting, depth of field, film still, color graded",
}

const defaultStyle = "Cinematic"

// styleKeywords resolves a style name, falling back to the default.
func styleKeywords(style string) string {
	if kw, ok := Styles[style]; ok {
		return kw
	}
	return Styles[defaultStyle]
}

func ritualAnalysisPrompt() string {
	return strings.TrimSpace(`
Analyze these character reference images deeply (3D Scan Mode).
Extract a "Visual DNA" description for an AI image generator.
Focus on: Physical build, Face details, Hair, Clothing styles, Key colors.
Ignore pose and background.
Output purely the visual description.`)
}

func ritualRefSheetPrompt(visualDescription string) string {
	return fmt.Sprintf(`Generate a SINGLE "character turnaround sheet" image.
4 views: FRONT, 3/4 FRONT, FACE, BACK.
Photorealistic, neutral standing pose.
Character: %s`, visualDescription)
}

func magicPromptExpansion(prompt, charDesc, style string) string {
	return fmt.Sprintf(strings.TrimSpace(`
Act as an Art Director. Rewrite user prompt to detailed image prompt.
User Prompt: %q
Character: %q
Style: %q (%s)
Keep it under 400 chars. Focus on visual description.`),
		prompt, charDesc, style, styleKeywords(style))
}

func chatSystemPrompt(traits, recentSummary string) string {
	if traits == "" {
		traits = "None"
	}
	if recentSummary == "" {
		recentSummary = "None"
	}
	return fmt.Sprintf(strings.TrimSpace(`
You are an Alter in a Plural System.
Traits: %s.
Recent Context: %s.

Guidelines:
- Be empathetic and authentic to your traits.
- Keep responses concise (under 3 sentences unless asked for more).
- Do not act like a robot or AI assistant.`), traits, recentSummary)
}

func summaryPrompt(messages []job.Message) string {
	var b strings.Builder
	b.WriteString("Condense the following conversation into a short summary (3 sentences max)\n")
	b.WriteString("capturing tone, topics and anything an ongoing chat should remember.\n\n")
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}
