package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	contractx "github.com/tanpawarit/chative-toolagent/agent/contract"
	openrouterx "github.com/tanpawarit/chative-toolagent/pkg/openrouter"
)

const (
	ProviderEino = "eino"
	ProviderSDK  = "sdk"
)

type Config struct {
	Provider           string        `envconfig:"PROVIDER" split_words:"true" default:"eino"`
	BaseURL            string        `envconfig:"BASE_URL" split_words:"true" default:"https://openrouter.ai/api/v1"`
	APIKey             string        `envconfig:"API_KEY" split_words:"true" required:"true"`
	Model              string        `envconfig:"MODEL" split_words:"true" required:"true"`
	MaxCompletionToken int           `envconfig:"MAX_COMPLETION_TOKEN" split_words:"true" default:"2000"`
	Temperature        float32       `envconfig:"TEMPERATURE" split_words:"true" default:"0.5"`
	Timeout            time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"60s"`
	MaxRetries         int           `envconfig:"MAX_RETRIES" split_words:"true" default:"2"`
	SiteURL            string        `envconfig:"SITE_URL" split_words:"true"`
	SiteName           string        `envconfig:"SITE_NAME" split_words:"true"`

	ContextWindow    int     `envconfig:"CONTEXT_WINDOW" split_words:"true" default:"128000"`
	WarningThreshold float64 `envconfig:"WARNING_THRESHOLD" split_words:"true" default:"0.8"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%w: llm api key is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%w: llm model is required", contractx.ErrValidation)
	}
	switch c.provider() {
	case ProviderEino, ProviderSDK:
	default:
		return fmt.Errorf("%w: unknown llm provider %q", contractx.ErrValidation, c.Provider)
	}
	if c.WarningThreshold <= 0 || c.WarningThreshold > 1 {
		return fmt.Errorf("%w: warning threshold must be in (0, 1]", contractx.ErrValidation)
	}
	return nil
}

func (c Config) OpenRouter() openrouterx.Config {
	maxCompletionToken := c.MaxCompletionToken
	return openrouterx.Config{
		BaseURL:            strings.TrimSpace(c.BaseURL),
		APIKey:             strings.TrimSpace(c.APIKey),
		Model:              strings.TrimSpace(c.Model),
		MaxCompletionToken: &maxCompletionToken,
		Temperature:        c.Temperature,
		Timeout:            c.Timeout,
		MaxRetries:         c.MaxRetries,
		SiteURL:            strings.TrimSpace(c.SiteURL),
		SiteName:           strings.TrimSpace(c.SiteName),
	}
}

// NewChatModel builds the configured model: the eino-ext OpenAI model by
// default, or the openai-go streaming adapter for the sdk provider.
func (c Config) NewChatModel(ctx context.Context) (model.ToolCallingChatModel, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	or := c.OpenRouter()
	if c.provider() == ProviderSDK {
		return openrouterx.NewSDKChatModel(openrouterx.NewClient(or), or)
	}
	return or.New(ctx)
}

func (c Config) provider() string {
	p := strings.ToLower(strings.TrimSpace(c.Provider))
	if p == "" {
		return ProviderEino
	}
	return p
}
