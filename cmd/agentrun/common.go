package main

import (
	"os"

	"github.com/go-go-golems/agentrun/pkg/agents"
	"github.com/go-go-golems/agentrun/pkg/contexts"
	"github.com/go-go-golems/agentrun/pkg/events"
	"github.com/go-go-golems/agentrun/pkg/inference/engine"
	"github.com/go-go-golems/agentrun/pkg/inference/engine/factory"
	"github.com/go-go-golems/agentrun/pkg/inference/engine/openai"
	"github.com/go-go-golems/agentrun/pkg/inference/middleware"
	"github.com/go-go-golems/agentrun/pkg/inference/session"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
)

func addModelFlags(cmd *cobra.Command) {
	cmd.Flags().String("provider", factory.ProviderOpenAI, "Model provider (openai, anyscale, fireworks, script)")
	cmd.Flags().String("openai-api-key", "", "API key for OpenAI compatible providers")
	cmd.Flags().String("openai-base-url", "", "Base URL for OpenAI compatible providers")
	cmd.Flags().String("model", "", "Default model")
	cmd.Flags().String("script", "", "YAML script replayed by the script provider")
	cmd.Flags().Bool("allow-local-endpoints", false, "Allow http and local network base URLs")
}

func addStoreFlags(cmd *cobra.Command) {
	cmd.Flags().String("agents", "", "YAML file with agent and profile definitions")
	cmd.Flags().String("contexts", "", "YAML file with context definitions")
	cmd.Flags().String("contexts-db", "", "SQLite database with context definitions, read on every lookup")
	cmd.Flags().String("prompt-template", "", "Template file used to render context into the system prompt")
}

func modelClientFromViper() (engine.Client, error) {
	settings := &factory.Settings{
		Provider: viper.GetString("provider"),
		OpenAI: openai.Config{
			APIKey:       viper.GetString("openai-api-key"),
			BaseURL:      viper.GetString("openai-base-url"),
			DefaultModel: viper.GetString("model"),
		},
		Script:              viper.GetString("script"),
		AllowLocalEndpoints: viper.GetBool("allow-local-endpoints"),
	}
	return factory.NewStandardClientFactory().CreateClient(settings)
}

func contextStoreFromViper() (contexts.Store, func(), error) {
	if dsn := viper.GetString("contexts-db"); dsn != "" {
		s, err := contexts.NewSQLiteStore(dsn)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
	if path := viper.GetString("contexts"); path != "" {
		s, err := contexts.NewYAMLFileStore(path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	}
	return contexts.NewMemoryStore(), func() {}, nil
}

func agentStoreFromViper() (agents.Store, error) {
	if path := viper.GetString("agents"); path != "" {
		return agents.LoadYAMLFile(path)
	}
	return agents.NewMemoryStore(), nil
}

// buildSessions wires a session manager from flags and config. The returned
// cleanup closes the stores.
func buildSessions(reg prometheus.Registerer, sinks ...events.EventSink) (*session.Manager, func(), error) {
	client, err := modelClientFromViper()
	if err != nil {
		return nil, nil, errors.Wrap(err, "could not create model client")
	}
	agentStore, err := agentStoreFromViper()
	if err != nil {
		return nil, nil, errors.Wrap(err, "could not load agents")
	}
	contextStore, cleanup, err := contextStoreFromViper()
	if err != nil {
		return nil, nil, errors.Wrap(err, "could not open context store")
	}

	formatter := contexts.NewFormatter()
	if path := viper.GetString("prompt-template"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			cleanup()
			return nil, nil, errors.Wrap(err, "could not read prompt template")
		}
		formatter, err = contexts.NewFormatterFromTemplate(string(b))
		if err != nil {
			cleanup()
			return nil, nil, err
		}
	}

	var recorder middleware.UsageRecorder = middleware.LogRecorder{}
	if reg != nil {
		recorder = middleware.NewMetricsRecorder(reg)
	}

	catalog, err := serverTools()
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	resolver := contexts.NewResolver(contextStore, contexts.WithLevelResolvers(contexts.DefaultLevelResolvers(agentStore)...))
	m := session.NewManager(client,
		session.WithAgentStore(agentStore),
		session.WithContextResolver(resolver),
		session.WithFormatter(formatter),
		session.WithCatalog(catalog),
		session.WithEventSinks(sinks...),
		session.WithMiddlewares(
			middleware.NewTracingMiddleware(otel.Tracer("agentrun")),
			middleware.NewUsageMiddleware(recorder),
			middleware.NewLoggingMiddleware(log.Logger),
			middleware.NewToolResultReorderMiddleware(),
			middleware.NewToolReorderMiddleware(catalog),
		),
	)
	return m, cleanup, nil
}
