package main

import (
	"arena/src/common"
	"arena/src/types"
	"crypto/subtle"
	"errors"
	"io"
	"log"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
)

// paymentWebhookRoute receives asynchronous settlement notifications from the
// PIX gateway. It is public but guarded by a shared token header. The gateway
// redelivers on any non-2xx, so only transient failures return one.
func paymentWebhookRoute(g *gin.Engine, recon *common.ReconciliationHandler) {
	apiv1 := apiv1Group(g)
	apiv1.
		POST("/webhooks/payment", func(ctx *gin.Context) {
			secret := os.Getenv("WEBHOOK_TOKEN")
			if secret != "" {
				token := ctx.Request.Header.Get("x-webhook-token")
				if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
					ctx.Status(http.StatusUnauthorized)
					return
				}
			}
			payload, err := io.ReadAll(ctx.Request.Body)
			if err != nil {
				ctx.Status(http.StatusBadRequest)
				return
			}
			if err := recon.HandleNotification(ctx.Copy(), payload); err != nil {
				log.Printf("[PixWebhook] error handling notification: %s\n", err.Error())
				// Unusable payloads are acked with a 4xx so the gateway stops
				// redelivering something we can never apply.
				if errors.Is(err, types.ErrUnrecognizedReference) || errors.Is(err, types.ErrNotFound) {
					ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
					return
				}
				ctx.Status(http.StatusInternalServerError)
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"received": true})
		})
}
