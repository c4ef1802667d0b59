package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/mkarev/credvault/internal/config"
	"github.com/mkarev/credvault/internal/logger"
	"github.com/mkarev/credvault/internal/query"
	"github.com/mkarev/credvault/internal/query/dynamo"
	"github.com/mkarev/credvault/internal/query/postgres"
	"github.com/mkarev/credvault/internal/secret"
	"github.com/mkarev/credvault/internal/service"
	"github.com/mkarev/credvault/models"
)

var (
	buildVersion string
	buildDate    string
	buildCommit  string
)

func main() {
	printBuildInfo()

	log := logger.NewLogger("credvault-server")
	cfg, err := config.GetStructuredConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("error getting configs")
	}

	ctx := context.Background()

	store, err := newTranslator(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("error creating storage backend")
	}

	table := models.Account{}.TableName()
	if err := store.Introspect(ctx, []string{table}); err != nil {
		log.Fatal().Err(err).Str("table", table).Msg("error introspecting account table")
	}

	hasher := secret.NewHasher(
		secret.Scheme(cfg.App.HashScheme),
		cfg.App.BcryptCost,
		secret.Argon2Params{
			Time:    cfg.App.Argon2Time,
			Memory:  cfg.App.Argon2Memory,
			Threads: cfg.App.Argon2Threads,
		},
		log,
	)
	directory := service.New(store, hasher, log)

	// Readiness probe: a miss is fine, a backend failure is not.
	if _, err := directory.Lookup(ctx, "healthcheck"); err != nil && !errors.Is(err, query.ErrNotFound) {
		log.Fatal().Err(err).Msg("error probing account store")
	}

	log.Info().
		Str("backend", cfg.Storage.Backend).
		Str("scheme", cfg.App.HashScheme).
		Msg("credvault directory ready")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	log.Info().Str("signal", sig.String()).Msg("shutting down")
}

// newTranslator builds the query translator selected by the configuration.
func newTranslator(ctx context.Context, cfg *config.StructuredConfig, log *logger.Logger) (query.Translator, error) {
	switch cfg.Storage.Backend {
	case config.BackendDynamo:
		client, err := newDynamoClient(ctx, cfg.Storage.Dynamo)
		if err != nil {
			return nil, err
		}
		return dynamo.New(client, dynamo.Config{
			ReadCapacity:  cfg.Storage.Dynamo.ReadCapacity,
			WriteCapacity: cfg.Storage.Dynamo.WriteCapacity,
		}, log), nil

	case config.BackendPostgres:
		db, err := sql.Open("pgx", cfg.Storage.DB.DSN)
		if err != nil {
			return nil, fmt.Errorf("opening postgres connection: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("pinging postgres: %w", err)
		}
		return postgres.New(db, log), nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// newDynamoClient assembles the DynamoDB client. Static credentials and an
// endpoint override support local stacks; otherwise the default AWS
// credential chain applies.
func newDynamoClient(ctx context.Context, cfg config.Dynamo) (*dynamodb.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return client, nil
}

func printBuildInfo() {
	if buildVersion == "" {
		buildVersion = "N/A"
	}

	if buildDate == "" {
		buildDate = "N/A"
	}

	if buildCommit == "" {
		buildCommit = "N/A"
	}

	fmt.Printf("Build version: %s\n", buildVersion)
	fmt.Printf("Build date: %s\n", buildDate)
	fmt.Printf("Build commit: %s\n", buildCommit)
}
