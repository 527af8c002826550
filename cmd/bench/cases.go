// README: Bench cases: environment checks, the full trip lifecycle, the accept race and location throughput.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"
)

// Bench fixtures sit around one pickup; drop is ~3 km north-east.
var (
	pickup = map[string]any{"lat": 12.9716, "lng": 77.5946, "address": "bench pickup"}
	drop   = map[string]any{"lat": 12.9916, "lng": 77.6146, "address": "bench drop"}
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name  string
	Needs []string // backends the case cannot run without: "db" or "auth"
	Run   func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))

	for _, tc := range tests {
		res := r.run(ctx, tc)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func (r *Runner) run(ctx context.Context, tc TestCase) Result {
	for _, need := range tc.Needs {
		switch {
		case need == "db" && r.db == nil:
			return Result{Status: statusSkip, Note: "db not configured"}
		case need == "auth" && r.cfg.JWTSecret == "":
			return Result{Status: statusSkip, Note: "jwt-secret not set"}
		}
	}
	return tc.Run(ctx, r)
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{
			Name:  "Env: Postgres connect",
			Needs: []string{"db"},
			Run: func(ctx context.Context, r *Runner) Result {
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.db.Ping(ctx); err != nil {
					return fail(err)
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name: "Env: Redis connect",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.redis == nil {
					return Result{Status: statusSkip, Note: "redis not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.redis.Ping(ctx).Err(); err != nil {
					return fail(err)
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name:  "Migration: tables exist",
			Needs: []string{"db"},
			Run:   checkTables,
		},
		{
			Name: "API: health",
			Run: func(ctx context.Context, r *Runner) Result {
				code, _, lat, err := r.call(ctx, http.MethodGet, "/health", "", nil)
				return expect(code, lat, err, http.StatusOK)
			},
		},
		{
			Name: "API: unauthenticated -> 401",
			Run: func(ctx context.Context, r *Runner) Result {
				code, _, lat, err := r.call(ctx, http.MethodGet, "/api/trips/none", "", nil)
				return expect(code, lat, err, http.StatusUnauthorized)
			},
		},
		{
			Name:  "Trip: create validation -> 400",
			Needs: []string{"auth"},
			Run: func(ctx context.Context, r *Runner) Result {
				code, _, lat, err := r.call(ctx, http.MethodPost, "/api/trips", r.token("bench-c0", "customer"), map[string]any{})
				return expect(code, lat, err, http.StatusBadRequest)
			},
		},
		{
			Name:  "Trip: full lifecycle with accept race",
			Needs: []string{"db", "auth"},
			Run:   lifecycle,
		},
		{
			Name:  "Trip: customer cancel then cancel again -> 409",
			Needs: []string{"db", "auth"},
			Run:   cancelTwice,
		},
		{
			Name:  "Location: invalid coords -> 400",
			Needs: []string{"auth"},
			Run: func(ctx context.Context, r *Runner) Result {
				body := map[string]any{"lat": 123.0, "lng": 456.0}
				code, _, lat, err := r.call(ctx, http.MethodPut, "/api/location", r.token("bench-d0", "driver"), body)
				return expect(code, lat, err, http.StatusBadRequest)
			},
		},
		{
			Name:  "Perf: location update throughput",
			Needs: []string{"db", "auth"},
			Run:   locationLoad,
		},
	}
}

func (r *Runner) token(uid, role string) string {
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  uid,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	s, _ := t.SignedString([]byte(r.cfg.JWTSecret))
	return s
}

func (r *Runner) call(ctx context.Context, method, path, token string, body any) (int, map[string]any, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, 0, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, 0, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	latency := time.Since(start)

	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out, latency, nil
}

// seed resets the bench customers and drivers so every run starts idle.
func (r *Runner) seed(ctx context.Context, drivers int) error {
	stmts := []string{
		`UPDATE trips SET status='cancelled', cancelled_at=NOW()
		   WHERE customer_id LIKE 'bench-%' AND status NOT IN ('completed','cancelled','timeout')`,
		`UPDATE drivers SET busy=FALSE, current_trip_id=NULL, next_trip_id=NULL, online=FALSE, accepting_requests=TRUE,
		   dest_mode_enabled=FALSE WHERE id LIKE 'bench-%'`,
	}
	for _, s := range stmts {
		if _, err := r.db.Exec(ctx, s); err != nil {
			return err
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := r.db.Exec(ctx,
			`INSERT INTO customers (id, name) VALUES ($1, $1) ON CONFLICT (id) DO NOTHING`,
			fmt.Sprintf("bench-c%d", i)); err != nil {
			return err
		}
	}
	for i := 0; i < drivers; i++ {
		if _, err := r.db.Exec(ctx,
			`INSERT INTO drivers (id, name, vehicle_type) VALUES ($1, $1, 'bike') ON CONFLICT (id) DO NOTHING`,
			driverID(i)); err != nil {
			return err
		}
	}
	return nil
}

func driverID(i int) string { return fmt.Sprintf("bench-d%d", i) }

func (r *Runner) onlineAtPickup(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		code, _, _, err := r.call(ctx, http.MethodPost, "/api/drivers/online", r.token(driverID(i), "driver"),
			map[string]any{"position": pickup})
		if err != nil {
			return err
		}
		if code != http.StatusOK {
			return fmt.Errorf("online %s: status=%d", driverID(i), code)
		}
	}
	return nil
}

func (r *Runner) createTrip(ctx context.Context, customer string) (string, error) {
	code, out, _, err := r.call(ctx, http.MethodPost, "/api/trips", r.token(customer, "customer"), map[string]any{
		"pickup":      pickup,
		"drop":        drop,
		"vehicleType": "bike",
		"category":    "short",
		"fare":        "120.00",
	})
	if err != nil {
		return "", err
	}
	if code != http.StatusCreated {
		return "", fmt.Errorf("create: status=%d body=%v", code, out)
	}
	id, _ := out["tripId"].(string)
	return id, nil
}

func lifecycle(ctx context.Context, r *Runner) Result {
	n := r.cfg.Concurrency
	if err := r.seed(ctx, n); err != nil {
		return fail(err)
	}
	if err := r.onlineAtPickup(ctx, n); err != nil {
		return fail(err)
	}
	start := time.Now()
	tripID, err := r.createTrip(ctx, "bench-c0")
	if err != nil {
		return fail(err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winner   string
		rideCode string
		wins     int32
	)
	ready := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-ready
			code, out, _, err := r.call(ctx, http.MethodPost, "/api/trips/"+tripID+"/accept", r.token(id, "driver"), nil)
			if err != nil || code != http.StatusOK {
				return
			}
			atomic.AddInt32(&wins, 1)
			mu.Lock()
			winner = id
			rideCode, _ = out["rideCode"].(string)
			mu.Unlock()
		}(driverID(i))
	}
	close(ready)
	wg.Wait()
	if wins != 1 {
		return Result{Status: statusFail, Note: fmt.Sprintf("accept winners=%d", wins)}
	}

	tok := r.token(winner, "driver")
	steps := []struct {
		path string
		body any
	}{
		{"/going", nil},
		{"/arrived", nil},
		{"/start", map[string]any{"rideCode": rideCode, "position": pickup}},
		{"/complete", map[string]any{"position": drop}},
	}
	for _, s := range steps {
		code, out, _, err := r.call(ctx, http.MethodPost, "/api/trips/"+tripID+s.path, tok, s.body)
		if err != nil {
			return fail(err)
		}
		if code != http.StatusOK {
			return Result{Status: statusFail, Note: fmt.Sprintf("%s: status=%d body=%v", s.path, code, out)}
		}
	}

	var status string
	if err := r.db.QueryRow(ctx, `SELECT status FROM trips WHERE id=$1`, tripID).Scan(&status); err != nil {
		return fail(err)
	}
	if status != "completed" {
		return Result{Status: statusFail, Note: "final status " + status}
	}
	return Result{Status: statusPass, Latency: time.Since(start), Note: fmt.Sprintf("drivers=%d", n)}
}

func cancelTwice(ctx context.Context, r *Runner) Result {
	if err := r.seed(ctx, 1); err != nil {
		return fail(err)
	}
	if err := r.onlineAtPickup(ctx, 1); err != nil {
		return fail(err)
	}
	tripID, err := r.createTrip(ctx, "bench-c1")
	if err != nil {
		return fail(err)
	}
	tok := r.token("bench-c1", "customer")
	body := map[string]any{"reason": "changed plans"}
	code, _, _, err := r.call(ctx, http.MethodPost, "/api/trips/"+tripID+"/cancel", tok, body)
	if err != nil || code != http.StatusOK {
		return Result{Status: statusFail, Note: fmt.Sprintf("first cancel status=%d err=%v", code, err)}
	}
	code, _, lat, err := r.call(ctx, http.MethodPost, "/api/trips/"+tripID+"/cancel", tok, body)
	return expect(code, lat, err, http.StatusConflict)
}

func locationLoad(ctx context.Context, r *Runner) Result {
	n := r.cfg.Concurrency
	if err := r.seed(ctx, n); err != nil {
		return fail(err)
	}
	if err := r.onlineAtPickup(ctx, n); err != nil {
		return fail(err)
	}
	end := time.Now().Add(r.cfg.Duration)
	var count, errCount int64
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			tok := r.token(id, "driver")
			var seq int64
			for time.Now().Before(end) && ctx.Err() == nil {
				seq++
				body := map[string]any{"lat": 12.9716 + float64(seq)*1e-5, "lng": 77.5946, "seq": seq}
				code, _, _, err := r.call(ctx, http.MethodPut, "/api/location", tok, body)
				if err != nil || code != http.StatusOK {
					atomic.AddInt64(&errCount, 1)
					continue
				}
				atomic.AddInt64(&count, 1)
			}
		}(driverID(i))
	}
	wg.Wait()

	if count == 0 {
		return Result{Status: statusFail, Note: "no requests completed"}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: statusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}

func checkTables(ctx context.Context, r *Runner) Result {
	b, err := os.ReadFile(r.cfg.MigrationPath)
	if err != nil {
		return fail(err)
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	for _, m := range re.FindAllStringSubmatch(string(b), -1) {
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
			m[1],
		).Scan(&exists)
		if err != nil {
			return fail(err)
		}
		if !exists {
			return Result{Status: statusFail, Note: "missing table: " + m[1]}
		}
	}
	return Result{Status: statusPass}
}

func expect(code int, latency time.Duration, err error, want int) Result {
	if err != nil {
		return fail(err)
	}
	status := statusPass
	if code != want {
		status = statusFail
	}
	return Result{Status: status, Latency: latency, Note: fmt.Sprintf("status=%d", code)}
}

func fail(err error) Result {
	return Result{Status: statusFail, Note: err.Error()}
}
