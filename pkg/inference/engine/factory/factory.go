package factory

import (
	"strings"

	"github.com/go-go-golems/agentrun/pkg/inference/engine"
	"github.com/go-go-golems/agentrun/pkg/inference/engine/openai"
	"github.com/go-go-golems/agentrun/pkg/inference/fixtures"
	"github.com/go-go-golems/agentrun/pkg/security"
	"github.com/pkg/errors"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnyScale  = "anyscale"
	ProviderFireworks = "fireworks"
	// ProviderScript replays a YAML script instead of calling a model.
	ProviderScript = "script"
)

// Settings selects and configures a model client. Provider defaults to
// openai.
type Settings struct {
	Provider string        `mapstructure:"provider" yaml:"provider"`
	OpenAI   openai.Config `mapstructure:"openai" yaml:"openai"`
	Script   string        `mapstructure:"script" yaml:"script"`
	// AllowLocalEndpoints admits plain http and local network base URLs.
	AllowLocalEndpoints bool `mapstructure:"allow-local-endpoints" yaml:"allow-local-endpoints"`
}

// ClientFactory creates model clients from settings without the caller
// knowing the concrete implementations.
type ClientFactory interface {
	CreateClient(settings *Settings) (engine.Client, error)
	SupportedProviders() []string
	DefaultProvider() string
}

type StandardClientFactory struct{}

var _ ClientFactory = (*StandardClientFactory)(nil)

func NewStandardClientFactory() *StandardClientFactory {
	return &StandardClientFactory{}
}

// CreateClient creates a client for settings.Provider.
func (f *StandardClientFactory) CreateClient(settings *Settings) (engine.Client, error) {
	if settings == nil {
		return nil, errors.New("settings cannot be nil")
	}

	provider := f.DefaultProvider()
	if settings.Provider != "" {
		provider = strings.ToLower(settings.Provider)
	}

	if err := f.validateSettings(settings, provider); err != nil {
		return nil, errors.Wrapf(err, "invalid settings for provider %s", provider)
	}

	switch provider {
	case ProviderOpenAI, ProviderAnyScale, ProviderFireworks:
		return openai.New(settings.OpenAI)
	case ProviderScript:
		return fixtures.LoadScript(settings.Script)
	default:
		supported := strings.Join(f.SupportedProviders(), ", ")
		return nil, errors.Errorf("unsupported provider %s. Supported providers: %s", provider, supported)
	}
}

func (f *StandardClientFactory) SupportedProviders() []string {
	return []string{ProviderOpenAI, ProviderAnyScale, ProviderFireworks, ProviderScript}
}

func (f *StandardClientFactory) DefaultProvider() string {
	return ProviderOpenAI
}

func (f *StandardClientFactory) validateSettings(settings *Settings, provider string) error {
	switch provider {
	case ProviderOpenAI, ProviderAnyScale, ProviderFireworks:
		if settings.OpenAI.APIKey == "" {
			return errors.Errorf("missing API key for %s", provider)
		}
		// base URL is optional for OpenAI itself only
		if provider != ProviderOpenAI && settings.OpenAI.BaseURL == "" {
			return errors.Errorf("missing base URL for provider %s", provider)
		}
		if settings.OpenAI.BaseURL != "" {
			policy := security.EndpointPolicy{}
			if settings.AllowLocalEndpoints {
				policy = security.LocalPolicy
			}
			if err := policy.CheckEndpoint(settings.OpenAI.BaseURL); err != nil {
				return err
			}
		}
	case ProviderScript:
		if settings.Script == "" {
			return errors.New("missing script path")
		}
	}
	return nil
}
