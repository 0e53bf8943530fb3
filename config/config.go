package config

import (
	"time"

	"github.com/pitabwire/frame/config"

	"github.com/voicetyped/chatflow/pkg/dialog"
)

// ChatflowConfig holds configuration for the chatflow service.
type ChatflowConfig struct {
	config.ConfigurationDefault

	// Bots and scenarios
	BotsFile          string `envDefault:"./bots.yaml"  env:"BOTS_FILE"`
	ScenarioDir       string `envDefault:"./scenarios"  env:"SCENARIO_DIR"`
	ScenarioHotReload bool   `envDefault:"true"         env:"SCENARIO_HOT_RELOAD"`
	MediaDir          string `envDefault:"./media"      env:"MEDIA_DIR"`
	RegisterWebhooks  bool   `envDefault:"false"        env:"REGISTER_WEBHOOKS"`

	// Storage
	AutoMigrate bool   `envDefault:"true" env:"AUTO_MIGRATE"`
	InMemory    bool   `envDefault:"false" env:"IN_MEMORY_STATE"`
	RedisURL    string `envDefault:""      env:"REDIS_URL"`

	// Inbound updates. An empty queue url processes updates on the worker
	// pool instead of the queue.
	UpdatesQueueName  string `envDefault:"chatflow.updates"       env:"UPDATES_QUEUE_NAME"`
	UpdatesQueueURL   string `envDefault:"mem://chatflow.updates" env:"UPDATES_QUEUE_URL"`
	ReplayWindowSec   int    `envDefault:"3600"                   env:"WEBHOOK_REPLAY_WINDOW_SEC"`
	TelegramAPIURL    string `envDefault:""                       env:"TELEGRAM_API_URL"`

	// call_hook actions
	HookAllowPrivate      bool   `envDefault:"false" env:"HOOK_ALLOW_PRIVATE_IPS"`
	HookBreakerFailures   uint32 `envDefault:"5"     env:"HOOK_BREAKER_FAILURES"`
	HookBreakerTimeoutSec int    `envDefault:"60"    env:"HOOK_BREAKER_TIMEOUT_SEC"`

	// Dialog manager
	MaxChainLength     int    `envDefault:"25"                        env:"MAX_CHAIN_LENGTH"`
	RestartCommand     string `envDefault:"/start"                    env:"RESTART_COMMAND"`
	DefaultButtonsText string `envDefault:"Please choose an option:" env:"DEFAULT_BUTTONS_TEXT"`

	// Input validation
	DuplicateWindowMs           int    `envDefault:"2000"  env:"DUPLICATE_WINDOW_MS"`
	DuplicateCacheTTLSec        int    `envDefault:"10"    env:"DUPLICATE_CACHE_TTL_SEC"`
	MaxRequestsPerMinute        int    `envDefault:"30"    env:"MAX_REQUESTS_PER_MINUTE"`
	RateLimitWindowSec          int    `envDefault:"60"    env:"RATE_LIMIT_WINDOW_SEC"`
	RateLimitCooldownSec        int    `envDefault:"5"     env:"RATE_LIMIT_COOLDOWN_SEC"`
	StrictButtonValidation      bool   `envDefault:"true"  env:"STRICT_BUTTON_VALIDATION"`
	AllowCaseInsensitiveButtons bool   `envDefault:"false" env:"ALLOW_CASE_INSENSITIVE_BUTTONS"`
	AcceptTypedOptions          bool   `envDefault:"false" env:"ACCEPT_TYPED_OPTIONS"`
	MaxTextLength               int    `envDefault:"4096"  env:"MAX_TEXT_LENGTH"`
	MinTextLength               int    `envDefault:"1"     env:"MIN_TEXT_LENGTH"`
	IgnoreDuplicates            bool   `envDefault:"true"  env:"IGNORE_DUPLICATES"`
	ResendStepOnInvalid         bool   `envDefault:"true"  env:"RESEND_STEP_ON_INVALID"`
	ButtonHint                  string `envDefault:""      env:"BUTTON_HINT"`
	TextHint                    string `envDefault:""      env:"TEXT_HINT"`
	MediaHint                   string `envDefault:""      env:"MEDIA_HINT"`
}

// ReplayWindow is how long inbound update ids are remembered.
func (c *ChatflowConfig) ReplayWindow() time.Duration {
	return time.Duration(c.ReplayWindowSec) * time.Second
}

// ValidatorConfig maps the env settings onto the input validator. Empty
// hints keep the built-in wording.
func (c *ChatflowConfig) ValidatorConfig() dialog.ValidatorConfig {
	v := dialog.DefaultValidatorConfig()
	v.DuplicateWindow = time.Duration(c.DuplicateWindowMs) * time.Millisecond
	v.DuplicateCacheTTL = time.Duration(c.DuplicateCacheTTLSec) * time.Second
	v.MaxRequestsPerMinute = c.MaxRequestsPerMinute
	if c.RateLimitWindowSec > 0 {
		v.RateLimitWindow = time.Duration(c.RateLimitWindowSec) * time.Second
	}
	v.RateLimitCooldown = time.Duration(c.RateLimitCooldownSec) * time.Second
	v.StrictButtonValidation = c.StrictButtonValidation
	v.AllowCaseInsensitiveButtons = c.AllowCaseInsensitiveButtons
	v.AcceptTypedOptions = c.AcceptTypedOptions
	v.MaxTextLength = c.MaxTextLength
	v.MinTextLength = c.MinTextLength
	v.IgnoreDuplicates = c.IgnoreDuplicates
	v.ResendStepOnInvalid = c.ResendStepOnInvalid
	if c.ButtonHint != "" {
		v.ButtonHint = c.ButtonHint
	}
	if c.TextHint != "" {
		v.TextHint = c.TextHint
	}
	if c.MediaHint != "" {
		v.MediaHint = c.MediaHint
	}
	return v
}

// ManagerConfig maps the env settings onto the dialog manager.
func (c *ChatflowConfig) ManagerConfig() dialog.Config {
	m := dialog.DefaultConfig()
	m.MaxChainLength = c.MaxChainLength
	m.RestartCommand = c.RestartCommand
	m.DefaultButtonsText = c.DefaultButtonsText
	m.MediaDir = c.MediaDir
	m.Validator = c.ValidatorConfig()
	return m
}
