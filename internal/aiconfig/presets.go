package aiconfig

import "github.com/mindweave/mindweave/ai-core/pkg/models"

// Presets are named bundles of configuration overrides, applied atomically
// as partial updates.
var presets = map[string]models.ConfigurationPatch{
	"fast": {
		DefaultModel: strPtr("gpt-4o-mini"),
		Temperature:  floatPtr(0.3),
		MaxTokens:    intPtr(1024),
	},
	"balanced": {
		DefaultModel: strPtr("gpt-4o"),
		Temperature:  floatPtr(0.7),
		MaxTokens:    intPtr(2048),
	},
	"quality": {
		DefaultModel: strPtr("gpt-4o"),
		Temperature:  floatPtr(0.5),
		MaxTokens:    intPtr(8192),
	},
}

// PresetNames returns the known preset names.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	return names
}

func strPtr(s string) *string     { return &s }
func intPtr(i int) *int           { return &i }
func floatPtr(f float64) *float64 { return &f }
