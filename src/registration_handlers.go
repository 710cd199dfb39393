package main

import (
	"arena/src/common"
	"arena/src/config"
	"arena/src/types"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/yeqown/go-qrcode"
)

// statusFromError maps the service error taxonomy to HTTP codes.
func statusFromError(err error) int {
	switch {
	case errors.Is(err, types.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, types.ErrDuplicateActive), errors.Is(err, types.ErrQuotaExhausted):
		return http.StatusConflict
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrGateway):
		return http.StatusBadGateway
	case errors.Is(err, types.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func registrationHandlers(g *gin.RouterGroup, svc *common.RegistrationService) *gin.RouterGroup {
	g.
		POST("/registrations", func(ctx *gin.Context) {
			var body types.CreateRegistrationRequestBody
			if err := ctx.ShouldBindJSON(&body); err != nil {
				ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			callerID := ctx.GetString("uid")
			reg, err := svc.Create(ctx.Copy(), callerID, &body)
			if err != nil {
				log.Printf("[Registrations] create failed for team [%s]: %s\n", body.TeamID, err.Error())
				ctx.JSON(statusFromError(err), gin.H{"error": err.Error()})
				return
			}
			var expiresIn int64
			if reg.PaymentDeadline != nil {
				expiresIn = int64(time.Until(*reg.PaymentDeadline).Seconds())
			}
			ctx.JSON(http.StatusCreated, gin.H{
				"registration_id": reg.ID,
				"status":          reg.Status,
				"lot":             reg.Lot,
				"total_amount":    reg.TotalAmount,
				"pix_code":        reg.PixCode,
				"qr_code_url":     reg.QRCodeURL,
				"expires_in":      expiresIn,
			})
		}).
		GET("/registrations/:id", func(ctx *gin.Context) {
			var params types.RegistrationURIParams
			if err := ctx.ShouldBindUri(&params); err != nil {
				ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			id := uuid.MustParse(params.ID)
			cacheKey := common.RegistrationCacheKey(id)
			if rd := svc.Cache(); rd != nil {
				cached, err := rd.Get(context.Background(), cacheKey).Result()
				if err != nil && !errors.Is(err, redis.Nil) {
					log.Printf("Error reading from cache: %s\n", err.Error())
				}
				if cached != "" {
					var payload map[string]any
					if err := json.Unmarshal([]byte(cached), &payload); err == nil {
						ctx.JSON(http.StatusOK, payload)
						return
					}
				}
			}
			reg, err := svc.Get(ctx.Copy(), id)
			if err != nil {
				ctx.JSON(statusFromError(err), gin.H{"error": err.Error()})
				return
			}
			var secondsRemaining int64
			if reg.Status == types.REGISTRATION_PENDING && reg.PaymentDeadline != nil {
				if left := time.Until(*reg.PaymentDeadline); left > 0 {
					secondsRemaining = int64(left.Seconds())
				}
			}
			payload := gin.H{"data": reg, "seconds_remaining": secondsRemaining}
			if rd := svc.Cache(); rd != nil {
				if b, err := json.Marshal(payload); err == nil {
					go rd.SetEx(context.Background(), cacheKey, string(b), config.StatusCacheTTL)
				}
			}
			ctx.JSON(http.StatusOK, payload)
		}).
		GET("/registrations/:id/qrcode", func(ctx *gin.Context) {
			var params types.RegistrationURIParams
			if err := ctx.ShouldBindUri(&params); err != nil {
				ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			id := uuid.MustParse(params.ID)
			reg, err := svc.Get(ctx.Copy(), id)
			if err != nil {
				ctx.JSON(statusFromError(err), gin.H{"error": err.Error()})
				return
			}
			if reg.PixCode == nil {
				ctx.JSON(http.StatusNotFound, gin.H{"error": "registration has no payment code"})
				return
			}
			wd, err := os.Getwd()
			if err != nil {
				log.Printf("Could not read working directory: %s\n", err.Error())
				ctx.Status(http.StatusInternalServerError)
				return
			}
			tempdir := os.Getenv("TEMP_DIR")
			filename := fmt.Sprintf("pixcode_%s.jpeg", reg.ID)
			filepath := path.Join(wd, tempdir, filename)
			qrc, err := qrcode.New(*reg.PixCode)
			if err != nil {
				log.Printf("Could not build qrcode for [%s]: %s\n", reg.ID, err.Error())
				ctx.Status(http.StatusInternalServerError)
				return
			}
			if err := qrc.Save(filepath); err != nil {
				log.Printf("Could not save qrcode to file [%s]: %s\n", filepath, err.Error())
				ctx.Status(http.StatusInternalServerError)
				return
			}
			ctx.FileAttachment(filepath, "pix.jpeg")
		})
	return g
}

func adminHandlers(g *gin.RouterGroup, svc *common.RegistrationService) *gin.RouterGroup {
	g.
		PATCH("/registrations/:id", func(ctx *gin.Context) {
			var params types.RegistrationURIParams
			if err := ctx.ShouldBindUri(&params); err != nil {
				ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			var body types.AdminOverrideRequestBody
			if err := ctx.ShouldBindJSON(&body); err != nil {
				ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			id := uuid.MustParse(params.ID)
			if err := svc.AdminOverride(ctx.Copy(), id, body.Status, body.Reason); err != nil {
				log.Printf("[Admin] override %s -> %s failed: %s\n", id, body.Status, err.Error())
				ctx.JSON(statusFromError(err), gin.H{"error": err.Error()})
				return
			}
			if rd := svc.Cache(); rd != nil {
				go rd.Del(context.Background(), common.RegistrationCacheKey(id))
			}
			ctx.Status(http.StatusOK)
		})
	return g
}
