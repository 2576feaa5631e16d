package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Specification struct {
	Provider     string        `yaml:"provider"`
	APIKey       string        `yaml:"providerApiKey" envconfig:"PROVIDER_API_KEY"`
	BaseURL      string        `yaml:"providerBaseURL" envconfig:"PROVIDER_BASE_URL"`
	EmbedModel   string        `yaml:"providerEmbedModel" envconfig:"PROVIDER_EMBEDDING_MODEL"`
	ChatModel    string        `yaml:"providerChatModel" envconfig:"PROVIDER_CHAT_MODEL"`
	ProjectID    string        `yaml:"providerProjectID" envconfig:"PROVIDER_PROJECT_ID"`
	Location     string        `yaml:"providerLocation" envconfig:"PROVIDER_LOCATION"`
	Dim          int           `yaml:"providerDim" envconfig:"EMBED_DIM"`
	Timeout      time.Duration `yaml:"providerTimeout" envconfig:"PROVIDER_TIMEOUT"`
	EmbedRate    float64       `yaml:"embedRate" split_words:"true"`
	LogLevel     string        `yaml:"logLevel" split_words:"true"`
	Port         int           `yaml:"port" split_words:"true"`
	OTLPEndpoint string        `yaml:"otlpEndpoint" envconfig:"OTLP_ENDPOINT"`

	// Nested sections read env vars as CODEBOT_<SECTION>_<KEY>, e.g. CODEBOT_STORE_DB_URL.
	Store    StoreSpecification   `yaml:"store"`
	Rerank   RerankSpecification  `yaml:"rerank"`
	Index    IndexSpecification   `yaml:"index"`
	Gateways GatewaySpecification `yaml:"gateways"`
	Search   SearchSpecification  `yaml:"search"`

	flags *pflag.FlagSet `ignored:"true"`
}

type StoreSpecification struct {
	Backend    string `yaml:"backend" envconfig:"BACKEND"`
	Database   string `yaml:"database" envconfig:"DB_URL"`
	PersistDir string `yaml:"persistDir" envconfig:"PERSIST_DIR"`
	Collection string `yaml:"collection" envconfig:"COLLECTION"`
}

type RerankSpecification struct {
	Provider  string `yaml:"provider" envconfig:"PROVIDER"`
	URL       string `yaml:"url" envconfig:"URL"`
	Model     string `yaml:"model" envconfig:"MODEL"`
	MaxLength int    `yaml:"maxLength" envconfig:"MAX_LENGTH"`
}

type SearchSpecification struct {
	RetrieveTopK int `yaml:"retrieveTopK" envconfig:"RETRIEVE_TOP_K"`
	RerankTopN   int `yaml:"rerankTopN" envconfig:"RERANK_TOP_N"`
}

type IndexSpecification struct {
	CodebasePath string `yaml:"codebasePath" envconfig:"CODEBASE_PATH"`
	RepoURL      string `yaml:"repoURL" envconfig:"REPO_URL"`
	GitRef       string `yaml:"gitRef" envconfig:"GIT_REF"`
	GithubToken  string `yaml:"githubToken" envconfig:"GITHUB_TOKEN"`
	ChunkSize    int    `yaml:"chunkSize" envconfig:"CHUNK_SIZE"`
	ChunkOverlap int    `yaml:"chunkOverlap" envconfig:"CHUNK_OVERLAP"`
	BatchSize    int    `yaml:"batchSize" envconfig:"BATCH_SIZE"`
	Reset        bool   `yaml:"reset" envconfig:"RESET"`
}

type GatewaySpecification struct {
	WikiURL      string        `yaml:"wikiURL" envconfig:"WIKI_URL"`
	WikiPageURL  string        `yaml:"wikiPageURL" envconfig:"WIKI_PAGE_URL"`
	AnalyticsURL string        `yaml:"analyticsURL" envconfig:"ANALYTICS_URL"`
	Timeout      time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
}

const envPrefix = "CODEBOT"

func (s *Specification) Usage() {
	fmt.Fprint(os.Stderr, s.flags.FlagUsages())
}

// Load => defaults < YAML < .env/env < flags.
// configPath may be ""; if so we auto-discover.
func Load(configPath string, fs *pflag.FlagSet) (Specification, error) {
	var cfg Specification

	// set defaults (lowest precedence)
	setDefaults(&cfg)
	bindFlags(fs, &cfg)

	// config file
	path := configPath
	if path == "" {
		if v := os.Getenv(envPrefix + "_CONFIG"); v != "" {
			path = v
		} else {
			for _, cand := range []string{
				"config/codebot.yaml",
				"config/config.yaml",
				"./codebot.yaml",
				"./config.yaml",
			} {
				if fileExists(cand) {
					path = cand
					break
				}
			}
		}
	}

	if path != "" {
		if !fileExists(path) {
			return Specification{}, fmt.Errorf("config file not found: %s", path)
		}
		if err := loadYAML(path, &cfg); err != nil {
			return Specification{}, fmt.Errorf("load yaml %s: %w", path, err)
		}
	}

	// .env never overrides variables already present in the environment
	if fileExists(".env") {
		if err := godotenv.Load(".env"); err != nil {
			return Specification{}, fmt.Errorf("load .env: %w", err)
		}
	}

	// env overrides config file
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Specification{}, fmt.Errorf("env override: %w", err)
	}

	// flags override everything
	if err := fs.Parse(os.Args[1:]); err != nil {
		return Specification{}, err
	}
	applyChangedFlags(fs, &cfg)

	if err := cfg.validate(); err != nil {
		return Specification{}, err
	}
	return cfg, nil
}

func (c *Specification) validate() error {
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "info"
	}
	switch c.Store.Backend {
	case "postgres":
		if strings.TrimSpace(c.Store.Database) == "" {
			return fmt.Errorf("%s_STORE_DB_URL is required for the postgres store (env/file/flag)", envPrefix)
		}
	case "sqlite":
		if strings.TrimSpace(c.Store.PersistDir) == "" {
			return fmt.Errorf("%s_STORE_PERSIST_DIR is required for the sqlite store", envPrefix)
		}
	default:
		return fmt.Errorf("unsupported store backend: %q", c.Store.Backend)
	}
	if c.Index.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.Index.ChunkSize)
	}
	if c.Index.ChunkOverlap < 0 || c.Index.ChunkOverlap >= c.Index.ChunkSize {
		return fmt.Errorf("chunk overlap (%d) must be in [0, chunk size %d)", c.Index.ChunkOverlap, c.Index.ChunkSize)
	}
	if c.Index.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.Index.BatchSize)
	}
	if c.Search.RetrieveTopK < 1 {
		return fmt.Errorf("retrieve top k must be >= 1, got %d", c.Search.RetrieveTopK)
	}
	if c.Search.RerankTopN < 1 {
		return fmt.Errorf("rerank top n must be >= 1, got %d", c.Search.RerankTopN)
	}
	return nil
}

// ---------- helpers ----------

func loadYAML(path string, into any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, into)
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}

func bindFlags(fs *pflag.FlagSet, c *Specification) {
	fs.String("config", "", "Path to config file")

	// If --config is provided on the command line, capture it now so
	// config discovery (which runs before flags.Parse) can use it.
	for i, a := range os.Args {
		if a == "--config" {
			if i+1 < len(os.Args) && !strings.HasPrefix(os.Args[i+1], "-") {
				_ = os.Setenv(envPrefix+"_CONFIG", os.Args[i+1])
			}
		} else if strings.HasPrefix(a, "--config=") {
			parts := strings.SplitN(a, "=", 2)
			if len(parts) == 2 {
				_ = os.Setenv(envPrefix+"_CONFIG", parts[1])
			}
		}
	}

	fs.String("provider", c.Provider, "Provider (stub, openai, vertexai)")
	fs.String("provider-api-key", c.APIKey, "Provider API key")
	fs.String("provider-base-url", c.BaseURL, "OpenAI-compatible base URL")
	fs.String("provider-embedding-model", c.EmbedModel, "Provider embedding model")
	fs.String("provider-chat-model", c.ChatModel, "Provider chat model")
	fs.String("provider-project-id", c.ProjectID, "Provider project ID")
	fs.String("provider-location", c.Location, "Provider location/region")
	fs.Duration("provider-timeout", c.Timeout, "Upper bound for a single completion call")
	fs.Int("embed-dim", c.Dim, "Embedding dimensionality")
	fs.Float64("embed-rate", c.EmbedRate, "Embedding requests per second while indexing (0 = unlimited)")

	fs.String("store", c.Store.Backend, "Vector store backend (postgres|sqlite)")
	fs.String("db-url", c.Store.Database, "Database URL (DSN)")
	fs.String("persist-dir", c.Store.PersistDir, "Directory for the sqlite vector store")
	fs.String("collection", c.Store.Collection, "Collection name")

	fs.String("rerank-provider", c.Rerank.Provider, "Reranker (http|lexical)")
	fs.String("rerank-url", c.Rerank.URL, "Reranker endpoint base URL")
	fs.String("rerank-model", c.Rerank.Model, "Reranker model name")
	fs.Int("rerank-max-length", c.Rerank.MaxLength, "Max passage length sent to the reranker")
	fs.Int("retrieve-top-k", c.Search.RetrieveTopK, "Default number of candidates retrieved")
	fs.Int("rerank-top-n", c.Search.RerankTopN, "Default number of documents kept after rerank")

	fs.String("codebase-path", c.Index.CodebasePath, "Path to local codebase root")
	fs.String("git-repo", c.Index.RepoURL, "Git repository URL")
	fs.String("github-token", c.Index.GithubToken, "GitHub API token")
	fs.String("git-ref", c.Index.GitRef, "Git reference (branch/tag/sha)")
	fs.Int("chunk-size", c.Index.ChunkSize, "Chunk size in characters")
	fs.Int("chunk-overlap", c.Index.ChunkOverlap, "Chunk overlap in characters")
	fs.Int("batch-size", c.Index.BatchSize, "Chunks persisted per batch")
	fs.Bool("reset", c.Index.Reset, "Clear the collection before indexing")

	fs.String("wiki-url", c.Gateways.WikiURL, "Wiki search gateway URL")
	fs.String("wiki-page-url", c.Gateways.WikiPageURL, "Wiki page gateway URL")
	fs.String("analytics-url", c.Gateways.AnalyticsURL, "Analytics gateway URL")
	fs.Duration("gateway-timeout", c.Gateways.Timeout, "Gateway request timeout")

	fs.String("log-level", c.LogLevel, "Log level (debug|info|warn|error)")
	fs.Int("port", c.Port, "API server port")
	fs.String("otlp-endpoint", c.OTLPEndpoint, "OTLP gRPC endpoint for traces (empty disables)")

	// Used later for usage/help
	copied := pflag.NewFlagSet("temp", pflag.ContinueOnError)
	*copied = *fs
	c.flags = copied
}

func applyChangedFlags(fs *pflag.FlagSet, c *Specification) {
	setStr := func(name string, dst *string) {
		if fs.Changed(name) {
			v, _ := fs.GetString(name)
			*dst = v
		}
	}
	setInt := func(name string, dst *int) {
		if fs.Changed(name) {
			v, _ := fs.GetInt(name)
			*dst = v
		}
	}
	setBool := func(name string, dst *bool) {
		if fs.Changed(name) {
			v, _ := fs.GetBool(name)
			*dst = v
		}
	}
	setDur := func(name string, dst *time.Duration) {
		if fs.Changed(name) {
			v, _ := fs.GetDuration(name)
			*dst = v
		}
	}

	// (We ignore --config here; it's for discovery.)
	setStr("provider", &c.Provider)
	setStr("provider-api-key", &c.APIKey)
	setStr("provider-base-url", &c.BaseURL)
	setStr("provider-embedding-model", &c.EmbedModel)
	setStr("provider-chat-model", &c.ChatModel)
	setStr("provider-project-id", &c.ProjectID)
	setStr("provider-location", &c.Location)
	setDur("provider-timeout", &c.Timeout)
	setInt("embed-dim", &c.Dim)
	if fs.Changed("embed-rate") {
		c.EmbedRate, _ = fs.GetFloat64("embed-rate")
	}

	setStr("store", &c.Store.Backend)
	setStr("db-url", &c.Store.Database)
	setStr("persist-dir", &c.Store.PersistDir)
	setStr("collection", &c.Store.Collection)

	setStr("rerank-provider", &c.Rerank.Provider)
	setStr("rerank-url", &c.Rerank.URL)
	setStr("rerank-model", &c.Rerank.Model)
	setInt("rerank-max-length", &c.Rerank.MaxLength)
	setInt("retrieve-top-k", &c.Search.RetrieveTopK)
	setInt("rerank-top-n", &c.Search.RerankTopN)

	setStr("codebase-path", &c.Index.CodebasePath)
	setStr("git-repo", &c.Index.RepoURL)
	setStr("github-token", &c.Index.GithubToken)
	setStr("git-ref", &c.Index.GitRef)
	setInt("chunk-size", &c.Index.ChunkSize)
	setInt("chunk-overlap", &c.Index.ChunkOverlap)
	setInt("batch-size", &c.Index.BatchSize)
	setBool("reset", &c.Index.Reset)

	setStr("wiki-url", &c.Gateways.WikiURL)
	setStr("wiki-page-url", &c.Gateways.WikiPageURL)
	setStr("analytics-url", &c.Gateways.AnalyticsURL)
	setDur("gateway-timeout", &c.Gateways.Timeout)

	setStr("log-level", &c.LogLevel)
	setInt("port", &c.Port)
	setStr("otlp-endpoint", &c.OTLPEndpoint)
}

func setDefaults(c *Specification) {
	c.LogLevel = "info"
	c.Provider = "stub"
	c.Location = "us-central1"
	c.Timeout = 120 * time.Second
	c.Port = 8000

	c.Store.Backend = "sqlite"
	c.Store.PersistDir = "./data/vector_store"
	c.Store.Collection = "codebase"

	c.Rerank.Provider = "lexical"
	c.Rerank.Model = "BAAI/bge-reranker-v2-m3"
	c.Rerank.MaxLength = 512

	c.Search.RetrieveTopK = 20
	c.Search.RerankTopN = 15

	c.Index.CodebasePath = "."
	c.Index.GitRef = "main"
	c.Index.ChunkSize = 1000
	c.Index.ChunkOverlap = 200
	c.Index.BatchSize = 100

	c.Gateways.Timeout = 30 * time.Second
}
