package stt

import "strings"

// NormalizeLanguage maps short codes to BCP-47 tags, defaulting to en-US.
func NormalizeLanguage(v string) string {
	v = strings.TrimSpace(v)
	switch v {
	case "":
		return "en-US"
	case "id", "id-ID":
		return "id-ID"
	case "en", "en-US":
		return "en-US"
	default:
		return v
	}
}
