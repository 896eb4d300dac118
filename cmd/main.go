package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"reengagement-agent/handler"
	"reengagement-agent/internal/integrations/openai"
	"reengagement-agent/internal/integrations/paramstore"
	"reengagement-agent/internal/integrations/redisfeed"
	"reengagement-agent/internal/repository"
	"reengagement-agent/internal/templates"
	"reengagement-agent/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	templateTable := mustEnv("TEMPLATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	redisURL := os.Getenv("REDIS_URL")
	maxContextItems := envInt("MAX_CONTEXT_ITEMS", 20)
	maxMessageLen := envInt("MAX_MESSAGE_LENGTH", 2000)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	dynamoClient := awsdynamodb.NewFromConfig(cfg)
	store, err := repository.New(dynamoClient, stateTable)
	if err != nil {
		slog.Error("failed to create state client", "err", err)
		os.Exit(1)
	}

	selector, err := templates.NewSelector(dynamoClient, templateTable,
		templates.WithFallback(fallbackTemplate(ctx, ssmClient, paramPrefix)))
	if err != nil {
		slog.Error("failed to create template selector", "err", err)
		os.Exit(1)
	}

	var feed usecase.FeedPublisher
	if redisURL != "" {
		redisFeed, err := redisfeed.New(redisURL, slog.Default())
		if err != nil {
			slog.Error("failed to create redis feed", "err", err)
			os.Exit(1)
		}
		feed = redisFeed
	} else {
		slog.Warn("REDIS_URL not set; live feed disabled, clients fall back to polling")
	}

	llmClient, err := openai.NewClient(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}

	// ---- Services ----
	scanner, err := usecase.NewScanner(store, selector, feed, ssmClient, paramPrefix, slog.Default())
	if err != nil {
		slog.Error("failed to create scanner", "err", err)
		os.Exit(1)
	}
	chat, err := usecase.NewChatService(store, llmClient, feed, ssmClient, paramPrefix, maxContextItems, maxMessageLen, slog.Default())
	if err != nil {
		slog.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(scanner, chat)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

// fallbackTemplate loads the authored default re-engagement text from SSM.
// A missing or unreadable parameter keeps the compiled-in default.
func fallbackTemplate(ctx context.Context, params *paramstore.Client, prefix string) string {
	text, err := params.GetParameter(ctx, prefix+"/default_template")
	if err != nil {
		slog.Info("default template parameter not loaded; using compiled-in default", "err", err)
		return ""
	}
	return text
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
