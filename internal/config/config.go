package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

type Queue struct {
	DispatchDelay        time.Duration `env:"QUEUE_DISPATCH_DELAY" envDefault:"5s"`
	TaskTimeout          time.Duration `env:"QUEUE_TASK_TIMEOUT" envDefault:"60s"`
	InterTaskDelay       time.Duration `env:"QUEUE_INTER_TASK_DELAY" envDefault:"500ms"`
	StaleProcessingAfter time.Duration `env:"QUEUE_STALE_PROCESSING_AFTER" envDefault:"5m"`
	SweepSchedule        string        `env:"QUEUE_SWEEP_SCHEDULE" envDefault:"@every 1m"`
	Distributed          bool          `env:"QUEUE_DISTRIBUTED" envDefault:"false"`
	MaxRetries           int           `env:"MINT_MAX_RETRIES" envDefault:"3"`
	RequestMintPerMinute int           `env:"REQUEST_MINT_PER_MINUTE" envDefault:"10"`
	LegacyBatchSize      int           `env:"LEGACY_RECONCILE_BATCH" envDefault:"20"`
}

type Server struct {
	Mode         string   `env:"API_MODE" envDefault:"production"`
	Origins      []string `env:"API_ORIGINS" envDefault:"*" envSeparator:","`
	TonAppDomain string   `env:"TON_APP_DOMAIN"`
	LegacyAPIKey string   `env:"LEGACY_API_KEY"`
	Queue        Queue
}

type Ledger struct {
	Seed     string `env:"LEDGER_SEED"`
	Registry string `env:"LEDGER_REGISTRY_ADDRESS"`
	Amount   uint64 `env:"LEDGER_MESSAGE_AMOUNT" envDefault:"10000000"`
	Testnet  bool   `env:"LEDGER_TESTNET" envDefault:"false"`
}

type Client struct {
	ServerURL      string        `env:"CLIENT_SERVER_URL" envDefault:"http://127.0.0.1:8080"`
	Token          string        `env:"CLIENT_TOKEN"`
	StoragePath    string        `env:"CLIENT_STORAGE_PATH" envDefault:"./gambit-client.db"`
	PollInterval   time.Duration `env:"CLIENT_POLL_INTERVAL" envDefault:"2s"`
	TaskMaxAge     time.Duration `env:"CLIENT_TASK_MAX_AGE" envDefault:"24h"`
	LockStaleAfter time.Duration `env:"CLIENT_LOCK_STALE_AFTER" envDefault:"30s"`
	MaxRetries     int           `env:"CLIENT_MAX_RETRIES" envDefault:"3"`
	BackoffBase    time.Duration `env:"CLIENT_BACKOFF_BASE" envDefault:"1s"`
	HTTPTimeout    time.Duration `env:"CLIENT_HTTP_TIMEOUT" envDefault:"10s"`
	Ledger         Ledger
}

func LoadServer() (*Server, error) {
	cfg, err := env.ParseAs[Server]()
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func LoadLedger() (*Ledger, error) {
	cfg, err := env.ParseAs[Ledger]()
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func LoadClient() (*Client, error) {
	cfg, err := env.ParseAs[Client]()
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}
