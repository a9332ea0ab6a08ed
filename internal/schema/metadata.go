package schema

// Metadata keys shared between event producers and handlers.
const (
	MetaTaskID     = "task_id"
	MetaTaskKind   = "task_kind"
	MetaParentID   = "parent_id"
	MetaGeneration = "generation"
	MetaReason     = "reason"
	MetaRound      = "round"
	MetaCostUSD    = "cost_usd"
	MetaToolName   = "tool_name"
	MetaSource     = "source"
)

// GetMetaString extracts a string from a metadata map. Returns "" if missing/not string.
func GetMetaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	val, ok := meta[key]
	if !ok {
		return ""
	}
	str, ok := val.(string)
	if !ok {
		return ""
	}
	return str
}

// GetMetaFloat extracts a float64 from a metadata map. Returns 0 if missing.
func GetMetaFloat(meta map[string]any, key string) float64 {
	if meta == nil {
		return 0
	}
	val, ok := meta[key]
	if !ok {
		return 0
	}
	switch v := val.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

// GetMetaInt extracts an int from a metadata map. Returns 0 if missing.
func GetMetaInt(meta map[string]any, key string) int {
	return int(GetMetaFloat(meta, key))
}
