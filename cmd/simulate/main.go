package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-queue/internal/api"
	"github.com/hackgods/consultation-queue/internal/config"
	"github.com/hackgods/consultation-queue/internal/db"
	"github.com/hackgods/consultation-queue/internal/logging"
)

type SimConfig struct {
	APIBaseURL        string
	Duration          time.Duration
	Workers           int
	Practitioners     int
	RequesterLimit    int
	ContestedSlots    int
	CheckInRatio      float64
	ReadRatio         float64
	Date              time.Time
	ClinicOpenMinutes int
	PostgresDSN       string
}

type DataPool struct {
	Practitioners []uuid.UUID
	Requesters    []uuid.UUID

	mu     sync.RWMutex
	booked []api.AppointmentResponse
}

func (dp *DataPool) AddBooked(a api.AppointmentResponse) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.booked = append(dp.booked, a)
}

func (dp *DataPool) RandomBooked(rng *rand.Rand) (api.AppointmentResponse, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.booked) == 0 {
		return api.AppointmentResponse{}, false
	}
	return dp.booked[rng.Intn(len(dp.booked))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, max time.Duration) {
	om.mu.Lock()
	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	at := func(pct int) time.Duration {
		return latencies[min(len(latencies)*pct/100, len(latencies)-1)]
	}
	return sum / time.Duration(len(latencies)), at(50), at(95), latencies[len(latencies)-1]
}

type Simulator struct {
	config SimConfig
	pool   *DataPool
	client *http.Client
	log    zerolog.Logger

	bookings OperationMetrics
	checkIns OperationMetrics
	reads    OperationMetrics
}

func main() {
	log := logging.New(os.Getenv("LOG_LEVEL"), "console").With().Str("service", "simulate").Logger()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	log.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Int("contested_slots", cfg.ContestedSlots).
		Str("date", cfg.Date.Format(time.DateOnly)).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, 2)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("load data pool")
	}
	log.Info().
		Int("practitioners", len(dataPool.Practitioners)).
		Int("requesters", len(dataPool.Requesters)).
		Msg("data loaded")

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}

	sim.Run()
	sim.PrintReport()

	if err := sim.Verify(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("double booking detected")
	}
	log.Info().Msg("no overlapping active appointments")
}

func loadConfig() (SimConfig, error) {
	base, err := config.Load()
	if err != nil {
		return SimConfig{}, fmt.Errorf("load base config: %w", err)
	}

	cfg := SimConfig{
		APIBaseURL:        strings.TrimRight(getEnv("SIM_API_BASE_URL", "http://localhost:8080"), "/"),
		Duration:          getDuration("SIM_DURATION", 30*time.Second),
		Workers:           getInt("SIM_WORKERS", 32),
		Practitioners:     getInt("SIM_PRACTITIONERS", 5),
		RequesterLimit:    getInt("SIM_REQUESTER_LIMIT", 4000),
		ContestedSlots:    getInt("SIM_CONTESTED_SLOTS", 6),
		CheckInRatio:      getFloat("SIM_CHECKIN_RATIO", 0.1),
		ReadRatio:         getFloat("SIM_READ_RATIO", 0.2),
		ClinicOpenMinutes: base.Clinic.OpenMinute,
		PostgresDSN:       base.PostgresDSN,
	}

	// next open day in the clinic's zone
	day := time.Now().In(base.Clinic.Location).AddDate(0, 0, 1)
	if day.Weekday() == base.Clinic.ClosedWeekday {
		day = day.AddDate(0, 0, 1)
	}
	y, m, d := day.Date()
	cfg.Date = time.Date(y, m, d, 0, 0, 0, 0, base.Clinic.Location)

	if cfg.PostgresDSN == "" {
		return SimConfig{}, errors.New("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 || cfg.Duration <= 0 || cfg.ContestedSlots <= 0 || cfg.Practitioners <= 0 {
		return SimConfig{}, errors.New("SIM_WORKERS, SIM_DURATION, SIM_PRACTITIONERS and SIM_CONTESTED_SLOTS must be > 0")
	}
	return cfg, nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	practitioners, err := loadIDs(ctx, pool, `SELECT id FROM practitioners ORDER BY created_at LIMIT $1`, cfg.Practitioners)
	if err != nil {
		return nil, fmt.Errorf("load practitioners: %w", err)
	}
	requesters, err := loadIDs(ctx, pool, `SELECT id FROM requesters LIMIT $1`, cfg.RequesterLimit)
	if err != nil {
		return nil, fmt.Errorf("load requesters: %w", err)
	}

	if len(practitioners) == 0 || len(requesters) == 0 {
		return nil, errors.New("no practitioners or requesters, run cmd/seed first")
	}
	dataPool.Practitioners = practitioners
	dataPool.Requesters = requesters
	return dataPool, nil
}

func loadIDs(ctx context.Context, pool *pgxpool.Pool, query string, limit int) ([]uuid.UUID, error) {
	rows, err := pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.log.Info().Msg("starting booking storm")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < s.config.CheckInRatio:
			s.doCheckIn(ctx, rng)
		case r < s.config.CheckInRatio+s.config.ReadRatio:
			s.doReadQueue(ctx, rng)
		default:
			s.doBooking(ctx, rng)
		}
	}
}

// doBooking aims at one of a few contested 30 minute intervals, shifted by
// 0 or 15 minutes so that neighbouring requests overlap.
func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	practitioner := s.pool.Practitioners[rng.Intn(len(s.pool.Practitioners))]
	requester := s.pool.Requesters[rng.Intn(len(s.pool.Requesters))]

	offset := s.config.ClinicOpenMinutes + rng.Intn(s.config.ContestedSlots)*30 + rng.Intn(2)*15
	start := s.config.Date.Add(time.Duration(offset) * time.Minute)

	body := api.CreateAppointmentRequest{
		PractitionerID: practitioner.String(),
		RequesterID:    requester.String(),
		Date:           s.config.Date.Format(time.DateOnly),
		StartTime:      start,
		EndTime:        start.Add(30 * time.Minute),
	}

	begin := time.Now()
	status, data, err := s.call(ctx, http.MethodPost, "/appointments", body)
	latency := time.Since(begin)
	if err != nil {
		return
	}

	switch status {
	case http.StatusCreated:
		var appt api.AppointmentResponse
		if err := json.Unmarshal(data, &appt); err == nil {
			s.pool.AddBooked(appt)
		}
		s.bookings.Record(latency, true, false)
	case http.StatusConflict:
		s.bookings.Record(latency, false, true)
	default:
		s.bookings.Record(latency, false, false)
	}
}

func (s *Simulator) doCheckIn(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.RandomBooked(rng)
	if !ok {
		return
	}

	begin := time.Now()
	status, _, err := s.call(ctx, http.MethodPost, "/check-in", api.CheckInRequest{Token: appt.CheckInToken})
	if err != nil {
		return
	}
	// a repeated check-in is an invalid transition, counted as a conflict
	s.checkIns.Record(time.Since(begin), status == http.StatusOK, status == http.StatusConflict)
}

func (s *Simulator) doReadQueue(ctx context.Context, rng *rand.Rand) {
	practitioner := s.pool.Practitioners[rng.Intn(len(s.pool.Practitioners))]
	path := fmt.Sprintf("/practitioners/%s/queue?date=%s", practitioner, s.config.Date.Format(time.DateOnly))

	begin := time.Now()
	status, _, err := s.call(ctx, http.MethodGet, path, nil)
	if err != nil {
		return
	}
	s.reads.Record(time.Since(begin), status == http.StatusOK, false)
}

// Verify lists every practitioner's day and fails if two active
// appointments overlap.
func (s *Simulator) Verify(ctx context.Context) error {
	for _, p := range s.pool.Practitioners {
		path := fmt.Sprintf("/practitioners/%s/appointments?date=%s", p, s.config.Date.Format(time.DateOnly))
		status, data, err := s.call(ctx, http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("list day for %s: status %d", p, status)
		}

		var list api.AppointmentListResponse
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("decode day for %s: %w", p, err)
		}

		var active []api.AppointmentResponse
		for _, a := range list.Appointments {
			if a.Status != "cancelled" && a.Status != "no_show" {
				active = append(active, a)
			}
		}
		sort.Slice(active, func(i, j int) bool { return active[i].StartTime.Before(active[j].StartTime) })
		for i := 1; i < len(active); i++ {
			if active[i].StartTime.Before(active[i-1].EndTime) {
				return fmt.Errorf("practitioner %s: %s overlaps %s", p, active[i].ID, active[i-1].ID)
			}
		}
	}
	return nil
}

func (s *Simulator) call(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	return resp.StatusCode, data, err
}

func (s *Simulator) PrintReport() {
	for _, op := range []struct {
		name string
		m    *OperationMetrics
	}{
		{"booking", &s.bookings},
		{"check-in", &s.checkIns},
		{"queue read", &s.reads},
	} {
		avg, p50, p95, max := op.m.Stats()
		s.log.Info().
			Str("op", op.name).
			Int64("total", atomic.LoadInt64(&op.m.Total)).
			Int64("success", atomic.LoadInt64(&op.m.Success)).
			Int64("conflict", atomic.LoadInt64(&op.m.Conflict)).
			Int64("error", atomic.LoadInt64(&op.m.Error)).
			Dur("avg", avg).
			Dur("p50", p50).
			Dur("p95", p95).
			Dur("max", max).
			Msg("report")
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		var f float64
		if _, err := fmt.Sscanf(v, "%g", &f); err == nil {
			return f
		}
	}
	return def
}
