// Package main はバッチ監視APIサーバーのエントリーポイントです。
// HTTP API、後続パイプラインのワーカー、定期チェッカーを1プロセスで動かします。
package main

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"

	"github.com/yourusername/batch-watcher/internal/auth"
	"github.com/yourusername/batch-watcher/internal/config"
	"github.com/yourusername/batch-watcher/internal/httpapi"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// 状態ストア・バッチAPIクライアント・パイプラインの配線
	deps, err := buildDependencies(cfg)
	if err != nil {
		log.Fatalf("Failed to wire dependencies: %v", err)
	}
	defer deps.Close()

	// 後続パイプラインのワーカーを起動
	deps.Worker.Start()
	defer deps.Worker.Shutdown()

	// 定期チェッカーのスケジュール登録
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.CheckCron, deps.RunCheck); err != nil {
		log.Fatalf("Failed to schedule checker (%q): %v", cfg.CheckCron, err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// セッションストアの設定（クッキー署名鍵は必須）
	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token", // CSRF保護用ヘッダー
	}
	// クライアントがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token"}
	router.Use(cors.New(corsConfig))

	// ルーティングの設定
	setupRoutes(router, cfg, deps)

	// サーバーの起動
	addr := ":" + cfg.Port
	log.Printf("Starting batch watcher API on %s (mode: %s)", addr, cfg.GinMode)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, deps *dependencies) {
	// 誰でも叩けるヘルスチェック
	router.GET("/health", httpapi.HealthHandler(deps.Store))

	authManager := auth.NewManager(cfg)

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout",
				authManager.RequireLogin(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
		}

		protected := api.Group("/batches")
		protected.Use(authManager.RequireLogin(), authManager.VerifyCSRF())
		{
			protected.POST("", httpapi.RegisterHandler(deps.Store))
			protected.GET("", httpapi.ListHandler(deps.Store))
			protected.GET("/:projectKey", httpapi.GetHandler(deps.Store))
			protected.POST("/:projectKey/complete", httpapi.CompleteHandler(deps.Store))
			protected.POST("/:projectKey/retrigger", httpapi.RetriggerHandler(deps.Store, deps.Dispatcher))
			protected.DELETE("/:projectKey", httpapi.DeleteHandler(deps.Store))
		}
	}
}
