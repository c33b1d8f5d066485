// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// アプリケーション設定
	AppUsername     string // ログイン用ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ストア / キュー設定
	RedisURL     string // 状態ストアとAsynqキューのRedis接続URL
	StatusDocKey string // 状態ドキュメントのRedisキー

	// チェッカー設定
	CheckCron           string // チェッカーの実行スケジュール（cron式）
	PollTimeoutSeconds  int    // バッチAPI照会1回あたりのタイムアウト（秒）
	StaleTriggerMinutes int    // triggered のまま監視対象とみなすまでの時間（分）

	// パイプライン設定
	PipelineTimeoutHours int    // パイプライン全体の実行上限（時間）
	StageRetrieveCmd     string // 結果取得段のコマンド（空白区切り）
	StageVideoCmd        string // 動画生成段のコマンド（空白区切り、失敗は非致命）
	StageUploadCmd       string // アップロード段のコマンド（空白区切り）

	// バッチAPI設定
	OpenAIAPIKey     string // OpenAI Batch API のキー
	OpenAIBaseURL    string // OpenAI APIのベースURL（テスト用上書き）
	AnthropicAPIKey  string // Anthropic Message Batches のキー
	AnthropicBaseURL string // Anthropic APIのベースURL（テスト用上書き）
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// アプリケーション設定
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// ストア / キュー設定
		RedisURL:     getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		StatusDocKey: getEnv("STATUS_DOC_KEY", "batch_status"),

		// チェッカー設定
		CheckCron:           getEnv("CHECK_CRON", "*/5 * * * *"),
		PollTimeoutSeconds:  getEnvAsInt("POLL_TIMEOUT_SECONDS", 30),
		StaleTriggerMinutes: getEnvAsInt("STALE_TRIGGER_MINUTES", 120),

		// パイプライン設定
		PipelineTimeoutHours: getEnvAsInt("PIPELINE_TIMEOUT_HOURS", 24),
		StageRetrieveCmd:     getEnv("STAGE_RETRIEVE_CMD", ""),
		StageVideoCmd:        getEnv("STAGE_VIDEO_CMD", ""),
		StageUploadCmd:       getEnv("STAGE_UPLOAD_CMD", ""),

		// バッチAPI設定
		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", ""),
		AnthropicAPIKey:  getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicBaseURL: getEnv("ANTHROPIC_BASE_URL", ""),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	// ローカル開発では認証設定は任意
	// 本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.AppUsername == "" {
			return fmt.Errorf("APP_USERNAME is required in release mode")
		}
		if c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required in release mode")
		}
		if c.OpenAIAPIKey == "" && c.AnthropicAPIKey == "" {
			return fmt.Errorf("at least one of OPENAI_API_KEY / ANTHROPIC_API_KEY is required in release mode")
		}
	}
	if c.PollTimeoutSeconds <= 0 {
		return fmt.Errorf("POLL_TIMEOUT_SECONDS must be positive")
	}
	if c.PipelineTimeoutHours <= 0 {
		return fmt.Errorf("PIPELINE_TIMEOUT_HOURS must be positive")
	}
	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
