package providers

// Style selects the wire dialect a provider speaks.
type Style string

const (
	StyleOpenAI    Style = "openai"
	StyleAnthropic Style = "anthropic"
)

// Descriptor is the static description of one supported provider.
type Descriptor struct {
	ID             string
	Style          Style
	DefaultBaseURL string

	// RequiresAuth: a missing key fails fast with ErrMissingAPIKey.
	// Local providers proceed with a placeholder key.
	RequiresAuth bool

	// SuppressBaseURL: the provider infers endpoint and auth style from a
	// prefix in the model id, so a caller-supplied base URL must not
	// override it — doing so would cancel the auto-selection.
	SuppressBaseURL bool
}

var catalog = map[string]Descriptor{
	"openai": {
		ID: "openai", Style: StyleOpenAI,
		DefaultBaseURL: "https://api.openai.com/v1",
		RequiresAuth:   true,
	},
	"anthropic": {
		ID: "anthropic", Style: StyleAnthropic,
		DefaultBaseURL: "https://api.anthropic.com/v1",
		RequiresAuth:   true,
	},
	"openrouter": {
		ID: "openrouter", Style: StyleOpenAI,
		DefaultBaseURL:  "https://openrouter.ai/api/v1",
		RequiresAuth:    true,
		SuppressBaseURL: true,
	},
	"groq": {
		ID: "groq", Style: StyleOpenAI,
		DefaultBaseURL: "https://api.groq.com/openai/v1",
		RequiresAuth:   true,
	},
	"deepseek": {
		ID: "deepseek", Style: StyleOpenAI,
		DefaultBaseURL: "https://api.deepseek.com/v1",
		RequiresAuth:   true,
	},
	"gemini": {
		ID: "gemini", Style: StyleOpenAI,
		DefaultBaseURL: "https://generativelanguage.googleapis.com/v1beta/openai",
		RequiresAuth:   true,
	},
	"mistral": {
		ID: "mistral", Style: StyleOpenAI,
		DefaultBaseURL: "https://api.mistral.ai/v1",
		RequiresAuth:   true,
	},
	"ollama": {
		ID: "ollama", Style: StyleOpenAI,
		DefaultBaseURL: "http://localhost:11434/v1",
		RequiresAuth:   false,
	},
}

// Lookup returns the descriptor for a provider id.
func Lookup(providerID string) (Descriptor, bool) {
	d, ok := catalog[providerID]
	return d, ok
}

// IDs lists the supported provider ids.
func IDs() []string {
	out := make([]string, 0, len(catalog))
	for id := range catalog {
		out = append(out, id)
	}
	return out
}
