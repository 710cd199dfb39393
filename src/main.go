package main

import (
	"arena/src/boot"
	"arena/src/common"
	"arena/src/config"
	"arena/src/db"
	"arena/src/lib"
	"arena/src/middlewares"
	"arena/src/store"
	"errors"
	"log"
	"net/http"
	"os"
	"path"
	"regexp"
	"strconv"

	"arena/src/types"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	_ "github.com/joho/godotenv/autoload"
	"github.com/jonboulle/clockwork"
)

// gendersplit rejects rosters that are not an even male/female split before
// the request reaches the service.
var genderSplitValidatorFunc validator.Func = func(fl validator.FieldLevel) bool {
	athletes, ok := fl.Field().Interface().(types.Athletes)
	if !ok {
		return false
	}
	var male, female int
	for _, a := range athletes {
		switch a.Gender {
		case types.GenderMale:
			male++
		case types.GenderFemale:
			female++
		}
	}
	return male == config.AthletesPerSex && female == config.AthletesPerSex
}

const (
	apiPrefix string = "/api/v1"
)

func setupRouter() *gin.Engine {
	router := gin.Default()
	router.Use(middlewares.SecureHeaders)
	router.GET("/", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, "ok")
	})
	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

func maintenanceModeMiddleware(g *gin.Engine) *gin.Engine {
	g.Use(func(ctx *gin.Context) {
		mm := os.Getenv("MAINTENANCE_MODE")
		atob, err := strconv.ParseBool(mm)
		if err == nil && atob {
			err := errors.New("server is under maintenance")
			log.Println(err.Error())
			ctx.AbortWithStatusJSON(http.StatusServiceUnavailable, err.Error())
			return
		}
	})
	return g
}

func apiv1Group(g *gin.Engine) *gin.RouterGroup {
	apiv1 := g.Group(apiPrefix)
	return apiv1
}

func main() {
	apiEnv := os.Getenv("API_ENV")
	if apiEnv == "local" {
		cwd, _ := os.Getwd()
		if err := godotenv.Load(path.Join(cwd, ".env")); err != nil {
			panic(err)
		}
	}

	table, err := config.LoadLotTable()
	if err != nil {
		log.Fatalf("Invalid lot table: %s", err.Error())
	}

	boot.InitDb(table)

	gormStore := store.NewGormStore(db.GetDb())
	clock := clockwork.NewRealClock()
	svc := common.NewRegistrationService(
		gormStore,
		gormStore,
		lib.NewPixClient(),
		common.NewLotResolver(table),
		clock,
	).WithCache(lib.GetRedisClient())
	recon := common.NewReconciliationHandler(gormStore).WithCache(lib.GetRedisClient())
	sweeper := common.NewSweeper(gormStore, clock)
	dispatcher := common.NewOutboxDispatcher(gormStore, lib.NewMailSender())

	boot.InitScheduler(sweeper, dispatcher)
	defer boot.StopScheduler()

	router := setupRouter()

	appHost := os.Getenv("APP_HOST")
	if apiEnv == "local" {
		router.Use(cors.Default())
	} else {
		cc := cors.DefaultConfig()
		cc.AllowMethods = append(cc.AllowMethods, "GET", "POST", "PATCH", "DELETE", "HEAD")
		cc.AllowHeaders = append(cc.AllowHeaders, "Origin", "Authorization", "x-webhook-token")
		cc.AllowOriginFunc = func(origin string) bool {
			match, _ := regexp.MatchString(appHost, origin)
			return match
		}
		cc.AllowCredentials = true
		cc.AllowAllOrigins = false
		router.Use(cors.New(cc))
	}

	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterValidation("gendersplit", genderSplitValidatorFunc)
	}

	router = maintenanceModeMiddleware(router)

	paymentWebhookRoute(router, recon)

	public := apiv1Group(router)
	public = lotHandlers(public, svc)

	authorized := router.Group(apiPrefix)
	authorized.Use(middlewares.AuthMiddleware)
	{
		authorized = registrationHandlers(authorized, svc)
	}

	admin := router.Group(apiPrefix + "/admin")
	admin.Use(middlewares.AuthMiddleware, middlewares.AdminOnly)
	{
		admin = adminHandlers(admin, svc)
	}

	if os.Getenv("TLS_ENABLE") == "true" {
		cwd, _ := os.Getwd()
		certpath := path.Join(cwd, "certificates", "localhost.pem")
		keypath := path.Join(cwd, "certificates", "localhost-key.pem")
		if err := router.RunTLS(":9090", certpath, keypath); err != nil {
			log.Fatalf("Failed to start server: %s", err)
		}
	}
	if err := router.Run(":9090"); err != nil {
		log.Fatalf("Failed to start server: %s", err)
	}
}
