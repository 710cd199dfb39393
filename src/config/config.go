package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

func GetDSN() string {
	DATABASE_HOST := os.Getenv("DATABASE_HOST")
	DATABASE_PORT := os.Getenv("DATABASE_PORT")
	DATABASE_SSLMODE := os.Getenv("DATABASE_SSLMODE")
	DATABASE_TIMEZONE := os.Getenv("DATABASE_TIMEZONE")
	DATABASE_USER := os.Getenv("DATABASE_USER")
	DATABASE_PASSWORD := os.Getenv("DATABASE_PASSWORD")
	DATABASE_NAME := os.Getenv("DATABASE_NAME")
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s", DATABASE_HOST, DATABASE_USER, DATABASE_PASSWORD, DATABASE_NAME, DATABASE_PORT, DATABASE_SSLMODE, DATABASE_TIMEZONE)
	return dsn
}

const TIME_PARSE_FORMAT = "2006-01-02 15:04:05 -07:00"

// The competition format is fixed: teams of 4, split 2 male / 2 female.
const (
	TeamSize       = 4
	AthletesPerSex = 2
)

const (
	GatewayTimeout  = 10 * time.Second
	SweepInterval   = 1 * time.Minute
	OutboxInterval  = 30 * time.Second
	StatusCacheTTL  = 10 * time.Second
	CompensationMax = 5
)

var API_ENV = os.Getenv("API_ENV")

// PaymentWindow is how long a charge stays payable once created.
func PaymentWindow() time.Duration {
	v := os.Getenv("PAYMENT_WINDOW_MINUTES")
	if v == "" {
		return time.Hour
	}
	mins, err := strconv.Atoi(v)
	if err != nil || mins <= 0 {
		return time.Hour
	}
	return time.Duration(mins) * time.Minute
}
