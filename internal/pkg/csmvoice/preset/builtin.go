package preset

const BuiltinCategory = "Voice Type"

// BuiltinVoice is a fixed starting point offered before any preset is saved.
type BuiltinVoice struct {
	Name        string  `json:"name"`
	SpeakerID   int     `json:"speaker_id"`
	Temperature float64 `json:"temperature"`
	MinP        float64 `json:"min_p"`
	Description string  `json:"description"`
}

var builtinVoices = []BuiltinVoice{
	{
		Name:        "Male Voice",
		SpeakerID:   2,
		Temperature: 0.7,
		MinP:        0.05,
		Description: "Natural male voice - customize the parameters below",
	},
	{
		Name:        "Female Voice",
		SpeakerID:   4,
		Temperature: 0.7,
		MinP:        0.05,
		Description: "Natural female voice - customize the parameters below",
	},
}

func BuiltinVoices() []BuiltinVoice {
	out := make([]BuiltinVoice, len(builtinVoices))
	copy(out, builtinVoices)
	return out
}

func BuiltinByCategory() map[string][]BuiltinVoice {
	return map[string][]BuiltinVoice{
		BuiltinCategory: BuiltinVoices(),
	}
}
