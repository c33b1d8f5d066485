// Package httpapi はバッチ監視サービスのREST APIハンドラーを提供します。
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/batch-watcher/internal/batch"
	"github.com/yourusername/batch-watcher/internal/checker"
	"github.com/yourusername/batch-watcher/internal/statestore"
)

type registerRequest struct {
	ProjectKey string `json:"project_key" binding:"required"`
	BatchID    string `json:"batch_id" binding:"required"`
	BatchType  string `json:"batch_type" binding:"required"`
	OutputDir  string `json:"output_dir"`
	ModelName  string `json:"model_name"`
}

type completeRequest struct {
	Success bool             `json:"success"`
	Error   *batch.ErrorInfo `json:"error"`
}

type retriggerRequest struct {
	Confirm bool `json:"confirm"`
}

// RegisterHandler は POST /api/batches のハンドラーを返します。
// 投入済みバッチを in_progress として登録します。
func RegisterHandler(store statestore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "project_key, batch_id, batch_type を JSON で送ってください",
			})
			return
		}

		now := time.Now().UTC()
		rec := &batch.Record{
			ProjectKey:  req.ProjectKey,
			BatchID:     req.BatchID,
			BatchType:   batch.Type(req.BatchType),
			Status:      batch.StatusInProgress,
			SubmittedAt: &now,
			OutputDir:   req.OutputDir,
			ModelName:   req.ModelName,
		}
		if err := rec.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": err.Error(),
			})
			return
		}

		if err := statestore.PutRecord(c.Request.Context(), store, rec); err != nil {
			respondStoreError(c, err)
			return
		}
		c.JSON(http.StatusCreated, rec)
	}
}

// ListHandler は GET /api/batches のハンドラーを返します。
// クエリパラメータ status で絞り込みできます。
func ListHandler(store statestore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := batch.Status(c.Query("status"))
		if filter != "" && !filter.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "status の値が不正です: " + string(filter),
			})
			return
		}

		doc, _, err := store.Load(c.Request.Context())
		if err != nil {
			if errors.Is(err, statestore.ErrNotFound) {
				c.JSON(http.StatusOK, gin.H{"batches": []*batch.Record{}})
				return
			}
			respondStoreError(c, err)
			return
		}

		records := make([]*batch.Record, 0, len(doc.Projects))
		for _, rec := range doc.Projects {
			if filter != "" && rec.Status != filter {
				continue
			}
			records = append(records, rec)
		}
		sort.Slice(records, func(i, j int) bool {
			return records[i].ProjectKey < records[j].ProjectKey
		})
		c.JSON(http.StatusOK, gin.H{"batches": records})
	}
}

// GetHandler は GET /api/batches/:projectKey のハンドラーを返します。
func GetHandler(store statestore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := statestore.GetRecord(c.Request.Context(), store, c.Param("projectKey"))
		if err != nil {
			respondStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

// CompleteHandler は POST /api/batches/:projectKey/complete のハンドラーを返します。
// 後続パイプラインからの完了コールバックで、triggered -> done|failed の
// 終端遷移を書き込む唯一のHTTP経路です。
func CompleteHandler(store statestore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req completeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "success（と失敗時は error）を JSON で送ってください",
			})
			return
		}
		if !req.Success && req.Error == nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "失敗を報告する場合は error.code と error.message が必要です",
			})
			return
		}

		now := time.Now().UTC()
		rec, err := statestore.UpdateRecord(c.Request.Context(), store, c.Param("projectKey"), func(r *batch.Record) error {
			// failed へは in_progress からも遷移できるが、このコールバックが
			// 書いてよいのは起動済みパイプラインの結果だけ。
			if r.Status != batch.StatusTriggered {
				return batch.ErrInvalidTransition
			}
			if req.Success {
				return r.MarkDone(now)
			}
			return r.MarkFailed(now, req.Error)
		})
		if err != nil {
			respondStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

// RetriggerHandler は POST /api/batches/:projectKey/retrigger のハンドラーを返します。
// triggered のまま停滞したレコード（起動の部分失敗の疑い）に対する
// 運用者の明示操作で、confirm: true を必須とします。自動では呼ばれません。
func RetriggerHandler(store statestore.Store, starter checker.Starter) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req retriggerRequest
		if err := c.ShouldBindJSON(&req); err != nil || !req.Confirm {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "CONFIRMATION_REQUIRED",
				"message": "再起動には confirm: true の明示が必要です",
			})
			return
		}

		now := time.Now().UTC()
		rec, err := statestore.UpdateRecord(c.Request.Context(), store, c.Param("projectKey"), func(r *batch.Record) error {
			if r.Status != batch.StatusTriggered {
				return batch.ErrInvalidTransition
			}
			r.TriggeredAt = &now
			return nil
		})
		if err != nil {
			respondStoreError(c, err)
			return
		}

		if err := starter.Start(c.Request.Context(), *rec); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{
				"code":    "PIPELINE_START_FAILED",
				"message": "パイプラインの起動に失敗しました。レコードは triggered のままです",
			})
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

// DeleteHandler は DELETE /api/batches/:projectKey のハンドラーを返します。
// レコードは自動削除されないため、これが唯一のクリーンアップ経路です。
func DeleteHandler(store statestore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := statestore.DeleteRecord(c.Request.Context(), store, c.Param("projectKey")); err != nil {
			respondStoreError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// HealthHandler は GET /health のハンドラーを返します。
// 状態ドキュメントの読み取り可否を確認します。
func HealthHandler(store statestore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, version, err := store.Load(c.Request.Context())
		if err != nil && !errors.Is(err, statestore.ErrNotFound) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unavailable",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"version": version,
		})
	}
}

func respondStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, statestore.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "指定された project_key のレコードが見つかりません",
		})
	case errors.Is(err, statestore.ErrRecordExists):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "ALREADY_REGISTERED",
			"message": "この project_key は進行中のバッチで使用中です",
		})
	case errors.Is(err, statestore.ErrDuplicateBatch):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "DUPLICATE_BATCH_ID",
			"message": "この batch_id は別の進行中レコードで使用中です",
		})
	case errors.Is(err, batch.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "INVALID_TRANSITION",
			"message": "現在の状態からは要求された遷移を行えません",
		})
	case errors.Is(err, statestore.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "VERSION_CONFLICT",
			"message": "更新が競合しました。再試行してください",
		})
	case errors.Is(err, statestore.ErrCorruptState):
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "CORRUPT_STATE",
			"message": "状態ドキュメントを読み取れません。手動での修復が必要です",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました",
		})
	}
}
