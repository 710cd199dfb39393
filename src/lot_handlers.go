package main

import (
	"arena/src/common"
	"arena/src/config"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// lotHandlers exposes the public pricing and availability view used by the
// registration form before a team commits. Availability is a hint, so a short
// cache window is fine; the ledger stays authoritative.
func lotHandlers(g *gin.RouterGroup, svc *common.RegistrationService) *gin.RouterGroup {
	g.
		GET("/lots", func(ctx *gin.Context) {
			if rd := svc.Cache(); rd != nil {
				cached, err := rd.Get(context.Background(), "lots").Result()
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
			current := svc.Lots().Resolve(time.Now())
			availability, err := svc.Availability(ctx.Copy(), current.ID)
			if err != nil {
				log.Printf("[Lots] error reading availability: %s\n", err.Error())
				ctx.Status(http.StatusInternalServerError)
				return
			}
			payload := gin.H{
				"current_lot":  current.ID,
				"starts":       current.Starts,
				"ends":         current.Ends,
				"prices":       current.Prices,
				"availability": availability,
				"lots":         svc.Lots().Table().Lots,
			}
			if rd := svc.Cache(); rd != nil {
				if b, err := json.Marshal(payload); err == nil {
					go rd.SetEx(context.Background(), "lots", string(b), config.StatusCacheTTL)
				}
			}
			ctx.JSON(http.StatusOK, payload)
		})
	return g
}
