package boot

import (
	"arena/src/common"
	"arena/src/config"
	"arena/src/db"
	"arena/src/lib"
	"arena/src/models"
	"context"
	"log"

	"github.com/go-co-op/gocron/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func InitDb(table *config.LotTable) *gorm.DB {
	db := db.GetDb()

	err := db.AutoMigrate(
		&models.Registration{},
		&models.QuotaCounter{},
		&models.AuditLog{},
		&models.OutboxEvent{},
	)
	if err != nil {
		log.Fatalf("error migration: %s", err.Error())
	}

	// One active registration per team, enforced by the database so the
	// pre-insert check cannot be raced past.
	err = db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_registrations_one_active_per_team
		ON registrations (team_id)
		WHERE status IN ('pending', 'paid', 'confirmed')`).Error
	if err != nil {
		log.Fatalf("error creating partial index: %s", err.Error())
	}

	seedQuotaCounters(db, table)

	return db
}

// seedQuotaCounters creates a counter row per (category, lot) pair. Existing
// rows are left untouched so redeploys never reset usage.
func seedQuotaCounters(db *gorm.DB, table *config.LotTable) {
	var counters []models.QuotaCounter
	for category, capacity := range table.Capacities {
		for _, lot := range table.Lots {
			counters = append(counters, models.QuotaCounter{
				Category: category,
				Lot:      lot.ID,
				Capacity: capacity,
			})
		}
	}
	if err := db.
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&counters).
		Error; err != nil {
		log.Fatalf("error seeding quota counters: %s", err.Error())
	}
}

func InitScheduler(sweeper *common.Sweeper, dispatcher *common.OutboxDispatcher) {
	sched, err := lib.GetScheduler()
	if err != nil {
		log.Println("An error has occurred. Check logs for info")
		return
	}
	_, err = sched.NewJob(
		gocron.DurationJob(config.SweepInterval),
		gocron.NewTask(func() {
			if _, err := sweeper.Sweep(context.Background()); err != nil {
				log.Printf("Error running sweep: %s\n", err.Error())
			}
		}),
	)
	if err != nil {
		log.Printf("Error scheduling sweeper job: %s\n", err.Error())
		return
	}
	_, err = sched.NewJob(
		gocron.DurationJob(config.OutboxInterval),
		gocron.NewTask(func() {
			if _, err := dispatcher.Dispatch(context.Background()); err != nil {
				log.Printf("Error dispatching outbox: %s\n", err.Error())
			}
		}),
	)
	if err != nil {
		log.Printf("Error scheduling outbox job: %s\n", err.Error())
		return
	}
	jobsWaitingInQueue := len(sched.Jobs())
	log.Println("Jobs in queue:", jobsWaitingInQueue)
	sched.Start()
}

func StopScheduler() {
	lib.StopScheduler()
}
