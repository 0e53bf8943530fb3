package hooks

// HookConfig describes how to call an external hook endpoint. It is built
// from the params of a call_hook scenario action.
type HookConfig struct {
	URL        string            `yaml:"url"         json:"url"`
	AuthType   string            `yaml:"auth_type"   json:"auth_type"`   // "bearer", "hmac", "none"
	AuthSecret string            `yaml:"auth_secret" json:"auth_secret"` // token or HMAC key
	TimeoutSec int               `yaml:"timeout_sec" json:"timeout_sec"`
	Headers    map[string]string `yaml:"headers"     json:"headers,omitempty"`
}

// HookRequest is the payload sent to a hook endpoint.
type HookRequest struct {
	DialogKey  string         `json:"dialog_key"`
	ScenarioID string         `json:"scenario_id"`
	Step       string         `json:"step"`
	Variables  map[string]any `json:"variables"`
}

// HookResponse is the expected response from a hook endpoint. Variables are
// merged into the dialog's collected data.
type HookResponse struct {
	Variables map[string]any `json:"variables,omitempty"`
}
