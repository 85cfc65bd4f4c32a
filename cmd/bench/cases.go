// README: Benchmark cases; checks connectivity, status changes, notification delivery, driver assignment, and races.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"orderflow/internal/infra"
	"orderflow/internal/types"
	"orderflow/migrations"
)

// Fixture ids; every bench row is prefixed so reseeding never touches real data.
const (
	benchCustomer   types.ID = "bench_c1"
	benchOther      types.ID = "bench_c2"
	benchOwner      types.ID = "bench_own1"
	benchRestaurant types.ID = "bench_r1"
	benchDriver     types.ID = "bench_d1"
	benchOrder      types.ID = "bench_o1"
	benchRaceOrder  types.ID = "bench_o2"
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
	Focus string
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
		res := tc.Run(ctx, r)
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

func (r *Runner) cases() []TestCase {
	owner := types.Principal{ID: benchOwner, Role: types.RoleRestaurantOwner}
	customer := types.Principal{ID: benchCustomer, Role: types.RoleCustomer}
	other := types.Principal{ID: benchOther, Role: types.RoleCustomer}

	return []TestCase{
		{
			Name:  "Env: Postgres connect",
			Focus: "DB reachable",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: "FAIL", Note: "db not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.db.Ping(ctx); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name:  "Env: Redis connect",
			Focus: "Redis reachable",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.redis == nil {
					return Result{Status: "SKIP", Note: "redis not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.redis.Ping(ctx).Err(); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name:  "Migration: apply (optional)",
			Focus: "apply embedded migrations",
			Run: func(ctx context.Context, r *Runner) Result {
				if !r.cfg.ApplyMigration {
					return Result{Status: "SKIP", Note: "apply-migration=false"}
				}
				if r.db == nil {
					return Result{Status: "FAIL", Note: "db not configured"}
				}
				if err := infra.Migrate(ctx, r.db); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name:  "Migration: tables exist",
			Focus: "every CREATE TABLE in migrations is present",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: "FAIL", Note: "db not configured"}
				}
				tables, err := extractTables()
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				for _, t := range tables {
					var exists bool
					err := r.db.QueryRow(ctx,
						"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
						t,
					).Scan(&exists)
					if err != nil {
						return Result{Status: "FAIL", Note: err.Error()}
					}
					if !exists {
						return Result{Status: "FAIL", Note: "missing table: " + t}
					}
				}
				return Result{Status: "PASS", Note: fmt.Sprintf("tables=%d", len(tables))}
			},
		},
		{
			Name:  "Fixtures: seed bench rows",
			Focus: "reset bench users, restaurant, roster and orders",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: "FAIL", Note: "db not configured"}
				}
				if err := seedFixtures(ctx, r.db); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name:  "API: health",
			Focus: "server reachable",
			Run: func(ctx context.Context, r *Runner) Result {
				code, _, latency, err := r.call(ctx, http.MethodGet, "/health", nil, nil)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return expect(code, latency, http.StatusOK)
			},
		},
		{
			Name:  "Auth: missing token -> 401",
			Focus: "api group requires a bearer token",
			Run: func(ctx context.Context, r *Runner) Result {
				code, _, latency, err := r.call(ctx, http.MethodGet, "/api/orders", nil, nil)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return expect(code, latency, http.StatusUnauthorized)
			},
		},
		statusCase("Order: customer skips to delivered -> 403", customer, benchOrder, 5, http.StatusForbidden),
		statusCase("Order: other customer -> 404", other, benchOrder, 6, http.StatusNotFound),
		statusCase("Order: unknown status -> 400", owner, benchOrder, 42, http.StatusBadRequest),
		{
			Name:  "Notify: customer hears Preparing",
			Focus: "committed transition reaches the customer channel",
			Run: func(ctx context.Context, r *Runner) Result {
				return r.roundTrip(ctx, owner, benchOrder, 2, "customer:"+string(benchCustomer), func(m map[string]any) bool {
					return m["type"] == "order_update" && m["status"] == float64(2)
				})
			},
		},
		{
			Name:  "Assign: ready order binds roster driver",
			Focus: "driver receives delivery_request and is bound",
			Run: func(ctx context.Context, r *Runner) Result {
				res := r.roundTrip(ctx, owner, benchOrder, 3, "driver:"+string(benchDriver), func(m map[string]any) bool {
					return m["type"] == "delivery_request" && m["order_id"] == string(benchOrder)
				})
				if res.Status != "PASS" || r.db == nil {
					return res
				}
				var driverID *string
				if err := r.db.QueryRow(ctx, `SELECT driver_id FROM orders WHERE id=$1`, string(benchOrder)).Scan(&driverID); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				if driverID == nil || *driverID != string(benchDriver) {
					return Result{Status: "FAIL", Note: fmt.Sprintf("driver_id=%v", driverID)}
				}
				return res
			},
		},
		{
			Name:  "Consistency: status_version matches events",
			Focus: "one audit row per status write",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: "FAIL", Note: "db not configured"}
				}
				var version, events int
				err := r.db.QueryRow(ctx, `
SELECT o.status_version, (SELECT COUNT(*) FROM order_state_events e WHERE e.order_id = o.id)
FROM orders o WHERE o.id = $1`, string(benchOrder)).Scan(&version, &events)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				if version != events {
					return Result{Status: "FAIL", Note: fmt.Sprintf("version=%d events=%d", version, events)}
				}
				return Result{Status: "PASS", Note: fmt.Sprintf("version=%d", version)}
			},
		},
		{
			Name:  "Concurrency: racing owners on one order",
			Focus: "at most one change_status succeeds",
			Run: func(ctx context.Context, r *Runner) Result {
				return concurrentChange(ctx, r, owner, benchRaceOrder)
			},
		},
		{
			Name:  "Perf: list orders throughput",
			Focus: "GET /api/orders under load",
			Run: func(ctx context.Context, r *Runner) Result {
				return perfLoad(ctx, r, owner, "/api/orders")
			},
		},
	}
}

func statusCase(name string, actor types.Principal, orderID types.ID, status, want int) TestCase {
	return TestCase{
		Name:  name,
		Focus: "change_status error mapping",
		Run: func(ctx context.Context, r *Runner) Result {
			code, _, latency, err := r.changeStatus(ctx, actor, orderID, status)
			if err != nil {
				return Result{Status: "FAIL", Note: err.Error()}
			}
			return expect(code, latency, want)
		},
	}
}

func expect(code int, latency time.Duration, want int) Result {
	note := fmt.Sprintf("status=%d", code)
	if code == want {
		return Result{Status: "PASS", Latency: latency, Note: note}
	}
	return Result{Status: "FAIL", Latency: latency, Note: note}
}

func (r *Runner) token(p types.Principal) (string, error) {
	if r.cfg.JWTSecret == "" {
		return "", fmt.Errorf("jwt secret not configured")
	}
	return infra.SignToken(r.cfg.JWTSecret, p, 10*time.Minute)
}

func (r *Runner) call(ctx context.Context, method, path string, actor *types.Principal, body any) (int, []byte, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = strings.NewReader(string(b))
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		tok, err := r.token(*actor)
		if err != nil {
			return 0, nil, 0, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, 0, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b, time.Since(start), nil
}

func (r *Runner) changeStatus(ctx context.Context, actor types.Principal, orderID types.ID, status int) (int, []byte, time.Duration, error) {
	return r.call(ctx, http.MethodPatch, "/api/orders/"+string(orderID)+"/change_status", &actor, map[string]any{"status": status})
}

// roundTrip subscribes to channel, changes the order status, and waits for a matching payload.
func (r *Runner) roundTrip(ctx context.Context, actor types.Principal, orderID types.ID, status int, channel string, match func(map[string]any) bool) Result {
	if r.redis == nil {
		return Result{Status: "SKIP", Note: "redis not configured"}
	}
	sub := r.redis.Subscribe(ctx, channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return Result{Status: "FAIL", Note: "subscribe: " + err.Error()}
	}
	msgs := sub.Channel()

	code, body, _, err := r.changeStatus(ctx, actor, orderID, status)
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	if code != http.StatusOK {
		return Result{Status: "FAIL", Note: fmt.Sprintf("change_status=%d %s", code, body)}
	}

	start := time.Now()
	timeout := time.NewTimer(5 * time.Second)
	defer timeout.Stop()
	for {
		select {
		case m, ok := <-msgs:
			if !ok {
				return Result{Status: "FAIL", Note: "subscription closed"}
			}
			var payload map[string]any
			if err := json.Unmarshal([]byte(m.Payload), &payload); err != nil {
				continue
			}
			if match(payload) {
				return Result{Status: "PASS", Latency: time.Since(start)}
			}
		case <-timeout.C:
			return Result{Status: "FAIL", Note: "no notification on " + channel}
		case <-ctx.Done():
			return Result{Status: "FAIL", Note: ctx.Err().Error()}
		}
	}
}

func concurrentChange(ctx context.Context, r *Runner, actor types.Principal, orderID types.ID) Result {
	wg := sync.WaitGroup{}
	succ, conflicts := 0, 0
	mu := sync.Mutex{}
	start := make(chan struct{})

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			code, _, _, err := r.changeStatus(ctx, actor, orderID, 2)
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			switch code {
			case http.StatusOK:
				succ++
			case http.StatusConflict, http.StatusForbidden:
				conflicts++
			}
		}()
	}
	close(start)
	wg.Wait()

	note := fmt.Sprintf("success=%d rejected=%d", succ, conflicts)
	if succ == 1 {
		return Result{Status: "PASS", Note: note}
	}
	return Result{Status: "FAIL", Note: note}
}

func perfLoad(ctx context.Context, r *Runner, actor types.Principal, path string) Result {
	tok, err := r.token(actor)
	if err != nil {
		return Result{Status: "SKIP", Note: err.Error()}
	}
	end := time.Now().Add(r.cfg.Duration)
	var count, errCount int64
	var mu sync.Mutex
	wg := sync.WaitGroup{}

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				req, _ := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.BaseURL+path, nil)
				req.Header.Set("Authorization", "Bearer "+tok)
				resp, err := r.httpc.Do(req)
				mu.Lock()
				if err != nil || resp.StatusCode != http.StatusOK {
					errCount++
				} else {
					count++
				}
				mu.Unlock()
				if err == nil {
					_, _ = io.Copy(io.Discard, resp.Body)
					resp.Body.Close()
				}
			}
		}()
	}
	wg.Wait()

	if count == 0 {
		return Result{Status: "FAIL", Note: "no requests completed"}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: "PASS", Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}

func seedFixtures(ctx context.Context, db *pgxpool.Pool) error {
	stmts := []string{
		`DELETE FROM outbox_messages WHERE order_id LIKE 'bench\_%'`,
		`DELETE FROM order_state_events WHERE order_id LIKE 'bench\_%'`,
		`DELETE FROM orders WHERE id LIKE 'bench\_%'`,
		`DELETE FROM restaurant_drivers WHERE restaurant_id LIKE 'bench\_%'`,
		`DELETE FROM restaurants WHERE id LIKE 'bench\_%'`,
		`DELETE FROM users WHERE id LIKE 'bench\_%'`,
		`INSERT INTO users (id, role) VALUES ('bench_c1', 1), ('bench_c2', 1), ('bench_own1', 2), ('bench_d1', 3)`,
		`INSERT INTO restaurants (id, owner_id, name, lat, lng) VALUES ('bench_r1', 'bench_own1', 'Bench Kitchen', 25.033, 121.565)`,
		`INSERT INTO restaurant_drivers (restaurant_id, driver_id) VALUES ('bench_r1', 'bench_d1')`,
		`INSERT INTO orders (id, customer_id, restaurant_id, status, total_price, delivery_address, drop_lat, drop_lng)
		 VALUES ('bench_o1', 'bench_c1', 'bench_r1', 1, 18.50, '1 Main St', 25.0478, 121.5318),
		        ('bench_o2', 'bench_c1', 'bench_r1', 1, 9.90, '1 Main St', 25.0478, 121.5318)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(ctx, s); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}
	return nil
}

var createTableRe = regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)

func extractTables() ([]string, error) {
	files, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		return nil, err
	}
	var tables []string
	for _, name := range files {
		b, err := fs.ReadFile(migrations.FS, name)
		if err != nil {
			return nil, err
		}
		for _, m := range createTableRe.FindAllStringSubmatch(string(b), -1) {
			tables = append(tables, m[1])
		}
	}
	return tables, nil
}
