package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/rural-health-scheduling/internal/appointment"
	"github.com/hackgods/rural-health-scheduling/internal/config"
	"github.com/hackgods/rural-health-scheduling/internal/db"
	"github.com/hackgods/rural-health-scheduling/internal/logger"
)

type SimConfig struct {
	APIBaseURL    string
	Duration      time.Duration
	Workers       int
	BookingRatio  float64
	UpdateRatio   float64
	CancelRatio   float64
	ReadRatio     float64
	VillagerLimit int
	PostgresDSN   string
	Opens         appointment.TimeOfDay
	Closes        appointment.TimeOfDay
}

type bookedAppointment struct {
	ID         int64
	VillagerID uuid.UUID
}

type DataPool struct {
	Villagers     []uuid.UUID
	HealthWorkers []uuid.UUID
	mu            sync.RWMutex
	appointments  []bookedAppointment
}

func (dp *DataPool) AddAppointment(a bookedAppointment) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, a)
}

func (dp *DataPool) GetRandomAppointment(rng *rand.Rand) (bookedAppointment, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return bookedAppointment{}, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Rejected  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeConflict
	outcomeRejected
	outcomeError
)

func classify(resp *http.Response, err error, okStatus int) outcome {
	switch {
	case err != nil:
		return outcomeError
	case resp.StatusCode == okStatus:
		return outcomeSuccess
	case resp.StatusCode == http.StatusConflict:
		return outcomeConflict
	case resp.StatusCode == http.StatusUnprocessableEntity, resp.StatusCode == http.StatusTooManyRequests:
		return outcomeRejected
	}
	return outcomeError
}

func (om *OperationMetrics) Record(latency time.Duration, o outcome) {
	atomic.AddInt64(&om.Total, 1)
	switch o {
	case outcomeSuccess:
		atomic.AddInt64(&om.Success, 1)
	case outcomeConflict:
		atomic.AddInt64(&om.Conflict, 1)
	case outcomeRejected:
		atomic.AddInt64(&om.Rejected, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Booking        OperationMetrics
	Approve        OperationMetrics
	VillagerCancel OperationMetrics
	ReadByID       OperationMetrics
	ListByVillager OperationMetrics
	ListByUrgency  OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	log     *zap.Logger
}

func main() {
	zl, err := logger.New("dev", "info")
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	cfg := loadConfig(zl)
	if err := validateConfig(cfg); err != nil {
		zl.Fatal("invalid config", zap.Error(err))
	}

	zl.Info("simulator starting",
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
		zap.Float64("booking", cfg.BookingRatio),
		zap.Float64("update", cfg.UpdateRatio),
		zap.Float64("cancel", cfg.CancelRatio),
		zap.Float64("read", cfg.ReadRatio),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 2})
	if err != nil {
		zl.Fatal("connect postgres", zap.Error(err))
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		zl.Fatal("load data pool", zap.Error(err))
	}
	zl.Info("data pool loaded", zap.Int("villagers", len(dataPool.Villagers)), zap.Int("health_workers", len(dataPool.HealthWorkers)))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    zl,
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig(zl *zap.Logger) SimConfig {
	var cfg SimConfig
	flag.StringVar(&cfg.APIBaseURL, "url", "http://localhost:8080", "API base URL")
	flag.DurationVar(&cfg.Duration, "duration", 30*time.Second, "how long to run")
	flag.IntVar(&cfg.Workers, "workers", 10, "concurrent workers")
	flag.Float64Var(&cfg.BookingRatio, "booking", 0.4, "share of booking requests")
	flag.Float64Var(&cfg.UpdateRatio, "update", 0.15, "share of approval requests")
	flag.Float64Var(&cfg.CancelRatio, "cancel", 0.1, "share of villager cancellations")
	flag.Float64Var(&cfg.ReadRatio, "read", 0.35, "share of reads")
	flag.IntVar(&cfg.VillagerLimit, "villagers", 4000, "villagers to load from the database")
	flag.Parse()

	baseCfg, err := config.Load()
	if err != nil {
		zl.Fatal("failed to load base config", zap.Error(err))
	}
	cfg.PostgresDSN = baseCfg.PostgresDSN
	cfg.Opens, _ = appointment.ParseTimeOfDay(baseCfg.ClinicOpens)
	cfg.Closes, _ = appointment.ParseTimeOfDay(baseCfg.ClinicCloses)

	total := cfg.BookingRatio + cfg.UpdateRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.UpdateRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}
	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("-workers must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("-duration must be > 0")
	}
	if !cfg.Opens.Before(cfg.Closes) {
		return fmt.Errorf("clinic hours are empty")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `SELECT id FROM accounts WHERE role = 'villager' LIMIT $1`, cfg.VillagerLimit)
	if err != nil {
		return nil, fmt.Errorf("load villagers: %w", err)
	}
	dataPool.Villagers, err = pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("load villagers: %w", err)
	}

	rows, err = pool.Query(ctx, `SELECT id FROM accounts WHERE role = 'health_worker' AND available`)
	if err != nil {
		return nil, fmt.Errorf("load health workers: %w", err)
	}
	dataPool.HealthWorkers, err = pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("load health workers: %w", err)
	}

	if len(dataPool.Villagers) == 0 {
		return nil, fmt.Errorf("no villagers loaded, run cmd/seed first")
	}
	if len(dataPool.HealthWorkers) == 0 {
		return nil, fmt.Errorf("no available health workers loaded, run cmd/seed first")
	}
	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r := rng.Float64()
		switch {
		case r < s.config.BookingRatio:
			s.doBooking(ctx, rng)
		case r < s.config.BookingRatio+s.config.UpdateRatio:
			s.doApprove(ctx, rng)
		case r < s.config.BookingRatio+s.config.UpdateRatio+s.config.CancelRatio:
			s.doVillagerCancel(ctx, rng)
		default:
			switch rng.Intn(3) {
			case 0:
				s.doReadByID(ctx, rng)
			case 1:
				s.doListByVillager(ctx, rng)
			case 2:
				s.doListByUrgency(ctx, rng)
			}
		}
	}
}

// randomSlot picks a quarter-hour slot inside clinic hours two to twenty
// days ahead. The narrow range makes slot conflicts likely.
func (s *Simulator) randomSlot(rng *rand.Rand) (string, string) {
	date := time.Now().AddDate(0, 0, 2+rng.Intn(19)).Format(time.DateOnly)
	slots := (s.config.Closes.Minutes() - s.config.Opens.Minutes()) / 15
	m := s.config.Opens.Minutes() + rng.Intn(slots)*15
	return date, appointment.TimeOfDay{Hour: m / 60, Minute: m % 60}.String()
}

var simReasons = []string{
	"fever and headache", "routine checkup", "chest pain", "skin rash",
	"follow-up visit", "cough for two weeks", "child vaccination",
}

func (s *Simulator) send(ctx context.Context, method, path string, payload any) (*http.Response, []byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, body)
	if err != nil {
		return nil, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	return resp, raw, err
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	villager := s.pool.Villagers[rng.Intn(len(s.pool.Villagers))]
	worker := s.pool.HealthWorkers[rng.Intn(len(s.pool.HealthWorkers))].String()
	date, at := s.randomSlot(rng)

	start := time.Now()
	resp, raw, err := s.send(ctx, http.MethodPost, "/appointments", map[string]any{
		"villager_id":      villager.String(),
		"health_worker_id": worker,
		"date":             date,
		"time":             at,
		"reason":           simReasons[rng.Intn(len(simReasons))],
	})
	latency := time.Since(start)

	o := classify(resp, err, http.StatusCreated)
	if o == outcomeSuccess {
		var created struct {
			ID int64 `json:"id"`
		}
		if json.Unmarshal(raw, &created) == nil && created.ID > 0 {
			s.pool.AddAppointment(bookedAppointment{ID: created.ID, VillagerID: villager})
		}
	}
	s.metrics.Booking.Record(latency, o)
}

func (s *Simulator) doApprove(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}
	start := time.Now()
	resp, _, err := s.send(ctx, http.MethodPatch, "/appointments/"+strconv.FormatInt(appt.ID, 10), map[string]string{"status": "approved"})
	s.metrics.Approve.Record(time.Since(start), classify(resp, err, http.StatusOK))
}

func (s *Simulator) doVillagerCancel(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}
	start := time.Now()
	resp, _, err := s.send(ctx, http.MethodPost, fmt.Sprintf("/appointments/%d/cancel", appt.ID), map[string]string{"villager_id": appt.VillagerID.String()})
	s.metrics.VillagerCancel.Record(time.Since(start), classify(resp, err, http.StatusOK))
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}
	start := time.Now()
	resp, _, err := s.send(ctx, http.MethodGet, "/appointments/"+strconv.FormatInt(appt.ID, 10), nil)
	s.metrics.ReadByID.Record(time.Since(start), classify(resp, err, http.StatusOK))
}

func (s *Simulator) doListByVillager(ctx context.Context, rng *rand.Rand) {
	villager := s.pool.Villagers[rng.Intn(len(s.pool.Villagers))]
	start := time.Now()
	resp, _, err := s.send(ctx, http.MethodGet, "/appointments?limit=20&villager_id="+villager.String(), nil)
	s.metrics.ListByVillager.Record(time.Since(start), classify(resp, err, http.StatusOK))
}

func (s *Simulator) doListByUrgency(ctx context.Context, rng *rand.Rand) {
	urgency := []string{"critical", "medium", "normal"}[rng.Intn(3)]
	start := time.Now()
	resp, _, err := s.send(ctx, http.MethodGet, "/appointments?status=pending&urgency="+urgency, nil)
	s.metrics.ListByUrgency.Record(time.Since(start), classify(resp, err, http.StatusOK))
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Approve", &s.metrics.Approve)
	printOperationReport("Villager cancel", &s.metrics.VillagerCancel)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("List by villager", &s.metrics.ListByVillager)
	printOperationReport("List by urgency", &s.metrics.ListByUrgency)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	pct := func(n int64) float64 { return float64(n) / float64(total) * 100 }
	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	rejected := atomic.LoadInt64(&om.Rejected)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, pct(success))
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, pct(conflict))
	}
	if rejected > 0 {
		fmt.Printf("  Rejected: %d (%.1f%%)\n", rejected, pct(rejected))
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, pct(failed))
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}
