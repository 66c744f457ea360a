package feedback

import "strings"

// Keyword tables for the deterministic fallback. Matching is substring
// based over lowercased feedback; first hit per field wins.
var (
	toneKeywords = []struct{ keyword, tone string }{
		{"dramatic", "dramatic"},
		{"darker tone", "dark"},
		{"lighthearted", "lighthearted"},
		{"cheerful", "cheerful"},
		{"serious", "serious"},
		{"playful", "playful"},
		{"melancholic", "melancholic"},
		{"suspense", "suspenseful"},
		{"uplifting", "uplifting"},
	}

	styleKeywords = []struct{ keyword, style string }{
		{"anime", "anime"},
		{"watercolor", "watercolor"},
		{"photorealistic", "photorealistic"},
		{"realistic", "realistic"},
		{"cartoon", "cartoon"},
		{"cinematic", "cinematic"},
		{"sketch", "sketch"},
		{"oil painting", "oil painting"},
		{"noir", "noir"},
	}

	brightnessUp   = []string{"brighter", "more light", "too dark", "lighten"}
	brightnessDown = []string{"darker", "too bright", "dimmer", "dim the"}
	saturationUp   = []string{"more colorful", "more vivid", "more saturated", "punchier colors"}
	saturationDown = []string{"less colorful", "desaturate", "muted colors", "washed out look"}

	backgroundWords = []string{"background", "backdrop", "scenery", "setting"}
	characterWords  = []string{"character", "protagonist", "the hero", "their face", "the person"}
	lightingWords   = []string{"lighting", "light source", "shadows", "backlit"}
)

// ExtractWithRules interprets feedback with keyword matching alone. It
// never fails: unrecognized feedback yields an empty Modification.
func ExtractWithRules(feedback string) Modification {
	text := strings.ToLower(feedback)
	var mod Modification

	for _, t := range toneKeywords {
		if strings.Contains(text, t.keyword) {
			mod.Tone = t.tone
			break
		}
	}
	for _, s := range styleKeywords {
		if strings.Contains(text, s.keyword) {
			mod.Style = s.style
			break
		}
	}

	if containsAny(text, brightnessUp) {
		mod.Brightness = DirectionUp
	} else if containsAny(text, brightnessDown) {
		mod.Brightness = DirectionDown
	}

	if containsAny(text, saturationUp) {
		mod.Saturation = DirectionUp
	} else if containsAny(text, saturationDown) {
		mod.Saturation = DirectionDown
	}

	mod.ModifyBackground = containsAny(text, backgroundWords)
	mod.ModifyCharacter = containsAny(text, characterWords)
	mod.ModifyLighting = containsAny(text, lightingWords)

	return mod
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}
