package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/rural-health-scheduling/internal/appointment"
	"github.com/hackgods/rural-health-scheduling/internal/config"
	"github.com/hackgods/rural-health-scheduling/internal/db"
	"github.com/hackgods/rural-health-scheduling/internal/logger"
	"github.com/hackgods/rural-health-scheduling/internal/triage"
)

var reasons = []string{
	"Routine checkup",
	"Follow-up on blood pressure medication",
	"High fever for three days",
	"Persistent cough and chest congestion",
	"Child has diarrhea and vomiting",
	"Severe chest pain when walking",
	"Snake bite on the left foot",
	"Skin rash spreading on arms",
	"Prenatal visit, pregnant 6 months",
	"Wound on hand not healing",
	"Vaccination for infant",
	"Eye irritation and blurry vision",
	"Difficulty breathing at night",
	"Back pain after farm work",
	"Prescription refill",
}

type seedCounts struct {
	villagers     int
	healthWorkers int
	admins        int
	appointments  int
}

func main() {
	var counts seedCounts
	flag.IntVar(&counts.villagers, "villagers", 500, "villager accounts to create")
	flag.IntVar(&counts.healthWorkers, "health-workers", 25, "health worker accounts to create")
	flag.IntVar(&counts.admins, "admins", 2, "admin accounts to create")
	flag.IntVar(&counts.appointments, "appointments", 2000, "appointments to create")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	zl, err := logger.New("dev", cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{})
	if err != nil {
		zl.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		zl.Fatal("migrate", zap.Error(err))
	}

	loc, err := cfg.Location()
	if err != nil {
		zl.Fatal("clinic timezone", zap.Error(err))
	}

	faker := gofakeit.New(uint64(time.Now().UnixNano()))

	villagers, err := seedAccounts(ctx, pool, faker, appointment.RoleVillager, counts.villagers)
	if err != nil {
		zl.Fatal("seed villagers", zap.Error(err))
	}
	zl.Info("villagers seeded", zap.Int("count", len(villagers)))

	workers, err := seedAccounts(ctx, pool, faker, appointment.RoleHealthWorker, counts.healthWorkers)
	if err != nil {
		zl.Fatal("seed health workers", zap.Error(err))
	}
	zl.Info("health workers seeded", zap.Int("count", len(workers)))

	if _, err := seedAccounts(ctx, pool, faker, appointment.RoleAdmin, counts.admins); err != nil {
		zl.Fatal("seed admins", zap.Error(err))
	}

	created, err := seedAppointments(ctx, pool, faker, loc, villagers, workers, counts.appointments)
	if err != nil {
		zl.Fatal("seed appointments", zap.Error(err))
	}
	zl.Info("seed complete", zap.Int("appointments", created))
}

func seedAccounts(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, role appointment.Role, count int) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, count)

	batch := &pgx.Batch{}
	for i := 0; i < count; i++ {
		id := uuid.New()
		ids = append(ids, id)

		var email *string
		// Roughly a third of villagers have no email address.
		if role != appointment.RoleVillager || faker.Number(0, 2) > 0 {
			e := faker.Email()
			email = &e
		}
		available := role != appointment.RoleHealthWorker || faker.Number(0, 9) > 0

		batch.Queue(`
			INSERT INTO accounts (id, name, email, role, available, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, now(), now())
		`, id, faker.Name(), email, string(role), available)
	}

	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return nil, err
	}
	return ids, nil
}

// seedAppointments spreads appointments from two weeks back to four weeks
// ahead. Past ones are mostly completed; some stay open so the sweep has
// work to do.
func seedAppointments(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, loc *time.Location,
	villagers, workers []uuid.UUID, count int) (int, error) {
	if len(villagers) == 0 {
		return 0, nil
	}
	classifier := triage.KeywordClassifier{}
	today := appointment.Date(time.Now().In(loc))

	batch := &pgx.Batch{}
	for i := 0; i < count; i++ {
		date := today.AddDate(0, 0, faker.Number(-14, 28))
		at := appointment.TimeOfDay{Hour: faker.Number(9, 16), Minute: faker.RandomInt([]int{0, 15, 30, 45})}
		reason := reasons[faker.Number(0, len(reasons)-1)]
		urgency, _ := classifier.Classify(ctx, reason)

		var hw *uuid.UUID
		if len(workers) > 0 && faker.Number(0, 4) > 0 {
			id := workers[faker.Number(0, len(workers)-1)]
			hw = &id
		}

		status := appointment.StatusPending
		switch {
		case date.Before(today) && faker.Number(0, 4) > 0:
			status = appointment.StatusCompleted
		case faker.Number(0, 9) == 0:
			status = appointment.StatusCancelled
		case hw != nil && faker.Bool():
			status = appointment.StatusApproved
		}

		batch.Queue(`
			INSERT INTO appointments (token, villager_id, health_worker_id, date, time, reason, urgency, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
			ON CONFLICT DO NOTHING
		`, uuid.New(), villagers[faker.Number(0, len(villagers)-1)], hw,
			date.Format(time.DateOnly), at.String(), reason, string(urgency), string(status))
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()

	created := 0
	for i := 0; i < count; i++ {
		tag, err := results.Exec()
		if err != nil {
			return created, err
		}
		created += int(tag.RowsAffected())
	}
	return created, nil
}
