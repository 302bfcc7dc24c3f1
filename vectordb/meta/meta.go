package meta

// GetString returns the string stored under key, or "" when absent or not a string.
func GetString(payload map[string]interface{}, key string) string {
	text, _ := payload[key].(string)
	return text
}

// SourceIDOf returns the source document id recorded in payload.
func SourceIDOf(payload map[string]interface{}) string {
	return GetString(payload, SourceID)
}
