package config

import (
	"database/sql"
	"time"

	_ "github.com/lib/pq"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/viper"
)

type Config struct {
	MinIOBucket   string        `yaml:"minio_bucket"`
	App           App           `yaml:"app"`
	DB            *sql.DB       `yaml:"db"`
	Queue         *RabbitMQ     `yaml:"rabbitmq"`
	Storage       *minio.Client `yaml:"storage"`
	Server        Server        `yaml:"server"`
	Pipeline      Pipeline      `yaml:"pipeline"`
	Transcription Transcription `yaml:"transcription"`
	Webhook       Webhook       `yaml:"webhook"`
	Quota         Quota         `yaml:"quota"`
}

type App struct {
	Environment string `yaml:"environment"`
	Host        string `yaml:"host"`
	Protocol    string `yaml:"protocol"`
}

type Server struct {
	HttpPort string `yaml:"http_port"`
	Workers  int    `yaml:"workers"`
}

type RabbitMQ struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	User         string `json:"user"`
	Pass         string `json:"pass"`
	ExchangeName string `json:"exchange_name"`
	Kind         string `json:"kind"`
}

// Pipeline holds the knobs of the claim/heartbeat/reclaim protocol.
type Pipeline struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleThreshold    time.Duration `yaml:"stale_threshold"`
	ReclaimInterval   time.Duration `yaml:"reclaim_interval"`
	MaxAttempts       int           `yaml:"max_attempts"`
}

type Transcription struct {
	APIKey        string `yaml:"api_key"`
	BaseURL       string `yaml:"base_url"`
	Model         string `yaml:"model"`
	MaxAudioBytes int64  `yaml:"max_audio_bytes"`
}

type Webhook struct {
	DisableThreshold int           `yaml:"disable_threshold"`
	DeliveryTimeout  time.Duration `yaml:"delivery_timeout"`
}

type Quota struct {
	StorageBytesPerOwner int64 `yaml:"storage_bytes_per_owner"`
}

func Load(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetDefault("pipeline.poll_interval", "2s")
	viper.SetDefault("pipeline.heartbeat_interval", "15s")
	viper.SetDefault("pipeline.stale_threshold", "5m")
	viper.SetDefault("pipeline.reclaim_interval", "1m")
	viper.SetDefault("pipeline.max_attempts", 3)
	viper.SetDefault("transcription.base_url", "https://api.openai.com/v1")
	viper.SetDefault("transcription.model", "whisper-1")
	viper.SetDefault("transcription.max_audio_bytes", 25*1024*1024)
	viper.SetDefault("webhook.disable_threshold", 5)
	viper.SetDefault("webhook.delivery_timeout", "10s")
	viper.SetDefault("quota.storage_bytes_per_owner", 10*1024*1024*1024)

	err := viper.ReadInConfig()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", viper.GetString("postgresql_host"))
	if err != nil {
		return nil, err
	}

	rabbitmq := &RabbitMQ{
		Host:         viper.GetString("rabbitmq_host"),
		Port:         viper.GetInt("rabbitmq_port"),
		User:         viper.GetString("rabbitmq_user"),
		Pass:         viper.GetString("rabbitmq_pass"),
		ExchangeName: viper.GetString("rabbitmq_exchange_name"),
		Kind:         viper.GetString("rabbitmq_kind"),
	}

	minioClient, err := minio.New(viper.GetString("minio.url"), &minio.Options{
		Creds:  credentials.NewStaticV4(viper.GetString("minio.access_id"), viper.GetString("minio.secret_access_key"), ""),
		Secure: false,
	})
	if err != nil {
		return nil, err
	}

	return &Config{
		MinIOBucket: viper.GetString("minio.bucket"),
		App: App{
			Environment: viper.GetString("app.environment"),
			Host:        viper.GetString("app.host"),
			Protocol:    viper.GetString("app.protocol"),
		},
		Server: Server{
			HttpPort: viper.GetString("server.port"),
			Workers:  viper.GetInt("server.workers"),
		},
		Pipeline: Pipeline{
			PollInterval:      viper.GetDuration("pipeline.poll_interval"),
			HeartbeatInterval: viper.GetDuration("pipeline.heartbeat_interval"),
			StaleThreshold:    viper.GetDuration("pipeline.stale_threshold"),
			ReclaimInterval:   viper.GetDuration("pipeline.reclaim_interval"),
			MaxAttempts:       viper.GetInt("pipeline.max_attempts"),
		},
		Transcription: Transcription{
			APIKey:        viper.GetString("transcription.api_key"),
			BaseURL:       viper.GetString("transcription.base_url"),
			Model:         viper.GetString("transcription.model"),
			MaxAudioBytes: viper.GetInt64("transcription.max_audio_bytes"),
		},
		Webhook: Webhook{
			DisableThreshold: viper.GetInt("webhook.disable_threshold"),
			DeliveryTimeout:  viper.GetDuration("webhook.delivery_timeout"),
		},
		Quota: Quota{
			StorageBytesPerOwner: viper.GetInt64("quota.storage_bytes_per_owner"),
		},
		DB:      db,
		Queue:   rabbitmq,
		Storage: minioClient,
	}, nil
}
