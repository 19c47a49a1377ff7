package observability

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/uxlens/ctafocus/kit"
	_ "modernc.org/sqlite"
)

// newObsDB opens an in-memory observability database with the schema applied.
// Single connection: with modernc ":memory:" every pooled connection would
// otherwise see its own empty database.
func newObsDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	if err := Init(db); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

// WHAT: verifies Init creates every observability table plus the metadata
// registry, and that applying the schema twice is harmless.
// WHY: the HTTP server and the analysis service both call Init on startup;
// the second caller must not fail on existing tables.
func TestInit_CreatesTables(t *testing.T) {
	db := newObsDB(t)
	if err := Init(db); err != nil {
		t.Fatalf("second Init: %v", err)
	}

	for _, table := range []string{
		"audit_log",
		"business_event_logs",
		"metrics_timeseries",
		"service_heartbeats",
		"http_request_logs",
		"_observability_metadata",
	} {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
	if n := countRows(t, db, "_observability_metadata"); n != 5 {
		t.Errorf("registry rows = %d, want 5", n)
	}
}

// WHAT: records a labeled metric and a plain one, closes the manager and
// queries both back by name.
// WHY: Close is the flush path the service relies on at shutdown; labels
// must round-trip through their JSON column for per-source analysis counts.
func TestMetricsManager_RecordAndQuery(t *testing.T) {
	db := newObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)

	mm.Record(&Metric{
		Name:      MetricAnalysesTotal,
		Timestamp: time.Now(),
		Value:     1,
		Labels:    map[string]string{"source": "upload"},
		Unit:      "count",
	})
	mm.RecordSimple(MetricAnalysisDurationMs, 843, "milliseconds")
	if err := mm.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := mm.Query(MetricAnalysesTotal, nil, nil, 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].Value != 1 || got[0].Unit != "count" {
		t.Errorf("datapoint = %+v", got[0])
	}
	if got[0].Labels["source"] != "upload" {
		t.Errorf("labels = %v, want source=upload", got[0].Labels)
	}

	all, err := mm.Query("", nil, nil, 0)
	if err != nil {
		t.Fatalf("Query all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all metrics = %d, want 2", len(all))
	}
}

// WHAT: verifies that filling the buffer flushes synchronously, without
// waiting for the ticker or Close.
// WHY: a long flush interval must not leave a full buffer growing without
// bound while analyses run hot.
func TestMetricsManager_FlushOnFullBuffer(t *testing.T) {
	db := newObsDB(t)
	mm := NewMetricsManager(db, 3, time.Hour)
	defer mm.Close()

	for i := 0; i < 3; i++ {
		mm.RecordSimple(MetricCapturesTotal, 1, "count")
	}
	if n := countRows(t, db, "metrics_timeseries"); n != 3 {
		t.Errorf("rows after full buffer = %d, want 3", n)
	}
}

// WHAT: exercises the time-range and limit filters of Query against rows
// inserted at known timestamps.
// WHY: the dashboard asks for "last 24h" windows; off-by-one boundary
// handling would silently clip datapoints.
func TestMetricsManager_QueryTimeRange(t *testing.T) {
	db := newObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)
	defer mm.Close()

	base := time.Now().Add(-3 * time.Hour)
	for i := 0; i < 4; i++ {
		_, err := db.Exec(
			"INSERT INTO metrics_timeseries (metric_name, timestamp, value, unit) VALUES (?,?,?,?)",
			MetricReportsTotal, base.Add(time.Duration(i)*time.Hour).Unix(), float64(i), "count")
		if err != nil {
			t.Fatal(err)
		}
	}

	start := base.Add(30 * time.Minute)
	end := base.Add(150 * time.Minute)
	got, err := mm.Query(MetricReportsTotal, &start, &end, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("window rows = %d, want 2", len(got))
	}
	// DESC order, newest first
	if got[0].Value != 2 || got[1].Value != 1 {
		t.Errorf("values = %v, %v, want 2, 1", got[0].Value, got[1].Value)
	}

	limited, err := mm.Query(MetricReportsTotal, nil, nil, 1)
	if err != nil {
		t.Fatalf("Query limit: %v", err)
	}
	if len(limited) != 1 || limited[0].Value != 3 {
		t.Errorf("limited = %+v, want single newest row", limited)
	}
}

// WHAT: deletes datapoints past the retention window and reports the count.
func TestMetricsManager_Cleanup(t *testing.T) {
	db := newObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)
	defer mm.Close()

	old := time.Now().AddDate(0, 0, -30).Unix()
	db.Exec("INSERT INTO metrics_timeseries (metric_name, timestamp, value, unit) VALUES (?,?,?,?)",
		MetricAnalysesTotal, old, 1.0, "count")
	db.Exec("INSERT INTO metrics_timeseries (metric_name, timestamp, value, unit) VALUES (?,?,?,?)",
		MetricAnalysesTotal, time.Now().Unix(), 1.0, "count")

	deleted, err := mm.Cleanup(context.Background(), 14)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if n := countRows(t, db, "metrics_timeseries"); n != 1 {
		t.Errorf("remaining = %d, want 1", n)
	}
}

// WHAT: sanity-checks the runtime snapshot used by heartbeats.
func TestCollectRuntimeMetrics(t *testing.T) {
	m := CollectRuntimeMetrics()
	if m.GoroutinesCount < 1 {
		t.Errorf("goroutines = %d", m.GoroutinesCount)
	}
	if m.MemoryAllocMB <= 0 {
		t.Errorf("alloc MB = %f", m.MemoryAllocMB)
	}
	if m.MemorySysMB < m.MemoryAllocMB {
		t.Errorf("sys %f < alloc %f", m.MemorySysMB, m.MemoryAllocMB)
	}
}

// WHAT: writes one heartbeat and checks the persisted row carries the
// process identity and runtime stats.
func TestHeartbeatWriter_WriteHeartbeat(t *testing.T) {
	db := newObsDB(t)
	hw := NewHeartbeatWriter(db, "ctafocus-http", time.Minute)

	if err := hw.WriteHeartbeat(); err != nil {
		t.Fatalf("WriteHeartbeat: %v", err)
	}

	var (
		service, hostname string
		pid, goroutines   int
	)
	err := db.QueryRow(
		"SELECT service_name, hostname, pid, goroutines_count FROM service_heartbeats",
	).Scan(&service, &hostname, &pid, &goroutines)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if service != "ctafocus-http" {
		t.Errorf("service = %q", service)
	}
	if hostname == "" || pid <= 0 || goroutines < 1 {
		t.Errorf("row = %q/%d/%d", hostname, pid, goroutines)
	}
}

// WHAT: verifies the background loop beats immediately on Start and then on
// every tick until Stop.
// WHY: the first beat must not wait a full interval, or a fresh deployment
// looks dead to LatestHeartbeat for that long.
func TestHeartbeatWriter_StartStop(t *testing.T) {
	db := newObsDB(t)
	hw := NewHeartbeatWriter(db, "ctafocus-mcp", 20*time.Millisecond)

	hw.Start(context.Background())
	time.Sleep(70 * time.Millisecond)
	hw.Stop()

	if n := countRows(t, db, "service_heartbeats"); n < 2 {
		t.Errorf("beats = %d, want >= 2", n)
	}
}

// WHAT: checks the three LatestHeartbeat outcomes: a fresh beat reads as
// alive, an old beat reads as stale with a positive lag, and an unknown
// service yields nil without an error.
// WHY: the health endpoint distinguishes "degraded" from "unknown service"
// on exactly these returns.
func TestLatestHeartbeat(t *testing.T) {
	db := newObsDB(t)
	ctx := context.Background()

	hw := NewHeartbeatWriter(db, "ctafocus-http", time.Minute)
	if err := hw.WriteHeartbeat(); err != nil {
		t.Fatal(err)
	}
	fresh, err := LatestHeartbeat(ctx, db, "ctafocus-http", time.Minute)
	if err != nil {
		t.Fatalf("LatestHeartbeat: %v", err)
	}
	if fresh == nil || !fresh.Alive || fresh.StaleSince != nil {
		t.Errorf("fresh = %+v, want alive", fresh)
	}

	_, err = db.Exec(`INSERT INTO service_heartbeats
		(service_name, hostname, pid, timestamp, goroutines_count, memory_alloc_mb, memory_sys_mb, gc_count)
		VALUES ('ctafocus-mcp', 'web-1', 4242, ?, 12, 30.5, 90.0, 7)`,
		time.Now().Add(-10*time.Minute).Unix())
	if err != nil {
		t.Fatal(err)
	}
	stale, err := LatestHeartbeat(ctx, db, "ctafocus-mcp", time.Minute)
	if err != nil {
		t.Fatalf("LatestHeartbeat stale: %v", err)
	}
	if stale == nil || stale.Alive {
		t.Fatalf("stale = %+v, want not alive", stale)
	}
	if stale.StaleSince == nil || *stale.StaleSince <= 0 {
		t.Errorf("StaleSince = %v, want positive", stale.StaleSince)
	}

	missing, err := LatestHeartbeat(ctx, db, "never-deployed", time.Minute)
	if err != nil || missing != nil {
		t.Errorf("missing service = %+v, %v, want nil, nil", missing, err)
	}
}

// WHAT: removes heartbeats older than the retention window.
func TestCleanupHeartbeats(t *testing.T) {
	db := newObsDB(t)
	db.Exec(`INSERT INTO service_heartbeats
		(service_name, hostname, pid, timestamp) VALUES ('ctafocus-http', 'web-1', 1, ?)`,
		time.Now().AddDate(0, 0, -14).Unix())
	db.Exec(`INSERT INTO service_heartbeats
		(service_name, hostname, pid, timestamp) VALUES ('ctafocus-http', 'web-1', 1, ?)`,
		time.Now().Unix())

	deleted, err := CleanupHeartbeats(context.Background(), db, 7)
	if err != nil {
		t.Fatalf("CleanupHeartbeats: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
}

// WHAT: verifies synchronous Log fills in entry ID, timestamp and status
// when the caller leaves them empty.
// WHY: handlers log partial entries under error paths; defaults keep the
// audit row queryable instead of violating NOT NULL constraints.
func TestAuditLogger_LogDefaults(t *testing.T) {
	db := newObsDB(t)
	al := NewAuditLogger(db, 16)
	defer al.Close()

	err := al.Log(context.Background(), &AuditEntry{
		ComponentName: "focus",
		OperationType: "analyze_image",
	})
	if err != nil {
		t.Fatalf("Log: %v", err)
	}

	var entryID, status string
	var ts int64
	if err := db.QueryRow("SELECT entry_id, status, timestamp FROM audit_log").Scan(&entryID, &status, &ts); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !strings.HasPrefix(entryID, "aud_") {
		t.Errorf("entry_id = %q, want aud_ prefix", entryID)
	}
	if status != "success" {
		t.Errorf("status = %q, want success", status)
	}
	if ts == 0 {
		t.Error("timestamp not filled")
	}

	// An error message with no explicit status defaults to "error".
	if err := al.Log(context.Background(), &AuditEntry{
		ComponentName: "capture",
		OperationType: "screenshot",
		ErrorMessage:  "navigation timeout",
	}); err != nil {
		t.Fatalf("Log error entry: %v", err)
	}
	var errStatus string
	db.QueryRow("SELECT status FROM audit_log WHERE component_name = 'capture'").Scan(&errStatus)
	if errStatus != "error" {
		t.Errorf("status = %q, want error", errStatus)
	}
}

// WHAT: queues entries asynchronously and confirms Close flushes all of them.
// WHY: the analysis path uses LogAsync exclusively; losing queued entries at
// shutdown would leave completed analyses without an audit trail.
func TestAuditLogger_AsyncFlushOnClose(t *testing.T) {
	db := newObsDB(t)
	al := NewAuditLogger(db, 64)

	for i := 0; i < 25; i++ {
		al.LogAsync(&AuditEntry{
			ComponentName: "focus",
			OperationType: "analyze_url",
			UserID:        "usr_7",
		})
	}
	al.Close()

	if n := countRows(t, db, "audit_log"); n != 25 {
		t.Errorf("rows = %d, want 25", n)
	}
}

// WHAT: checks the NewAuditEntry factory on both outcomes: success marshals
// params and result to JSON, failure records the error message and skips
// the result.
func TestAuditLogger_NewAuditEntry(t *testing.T) {
	db := newObsDB(t)
	al := NewAuditLogger(db, 16)
	defer al.Close()

	ok := al.NewAuditEntry("focus", "analyze_url",
		map[string]string{"url": "https://shop.example/checkout"},
		map[string]int{"cta_count": 3},
		nil, 1500*time.Millisecond)
	if ok.Status != "success" {
		t.Errorf("status = %q", ok.Status)
	}
	if !strings.Contains(ok.Parameters, "checkout") {
		t.Errorf("parameters = %q", ok.Parameters)
	}
	if !strings.Contains(ok.Result, "cta_count") {
		t.Errorf("result = %q", ok.Result)
	}
	if ok.DurationMs != 1500 {
		t.Errorf("duration_ms = %d, want 1500", ok.DurationMs)
	}

	failed := al.NewAuditEntry("focus", "analyze_url", nil,
		map[string]int{"ignored": 1},
		context.DeadlineExceeded, 0)
	if failed.Status != "error" {
		t.Errorf("status = %q, want error", failed.Status)
	}
	if failed.ErrorMessage == "" {
		t.Error("error message empty")
	}
	if failed.Result != "" {
		t.Errorf("result = %q, want empty on failure", failed.Result)
	}
}

// WHAT: exercises Query filters (component, status, order, limit/offset)
// and the rejection of unknown sort columns.
// WHY: ORDER BY is interpolated into SQL, so the allowlist is the only
// thing standing between a query parameter and injection.
func TestAuditLogger_Query(t *testing.T) {
	db := newObsDB(t)
	al := NewAuditLogger(db, 16)
	defer al.Close()
	ctx := context.Background()

	seed := []struct {
		component string
		operation string
		status    string
		duration  int64
	}{
		{"focus", "analyze_image", "success", 900},
		{"focus", "analyze_url", "error", 4200},
		{"report", "report_export", "success", 150},
	}
	for _, s := range seed {
		if err := al.Log(ctx, &AuditEntry{
			ComponentName: s.component,
			OperationType: s.operation,
			Status:        s.status,
			DurationMs:    s.duration,
		}); err != nil {
			t.Fatal(err)
		}
	}

	comp := "focus"
	got, err := al.Query(ctx, &AuditFilter{ComponentName: &comp})
	if err != nil {
		t.Fatalf("Query component: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("focus entries = %d, want 2", len(got))
	}

	status := "error"
	got, err = al.Query(ctx, &AuditFilter{Status: &status})
	if err != nil {
		t.Fatalf("Query status: %v", err)
	}
	if len(got) != 1 || got[0].OperationType != "analyze_url" {
		t.Errorf("error entries = %+v", got)
	}

	got, err = al.Query(ctx, &AuditFilter{OrderBy: "duration_ms", OrderDir: "asc"})
	if err != nil {
		t.Fatalf("Query ordered: %v", err)
	}
	if len(got) != 3 || got[0].DurationMs != 150 || got[2].DurationMs != 4200 {
		t.Errorf("ordering wrong: %+v", got)
	}

	got, err = al.Query(ctx, &AuditFilter{OrderBy: "duration_ms", OrderDir: "ASC", Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("Query paged: %v", err)
	}
	if len(got) != 1 || got[0].DurationMs != 900 {
		t.Errorf("page 2 = %+v", got)
	}

	if _, err := al.Query(ctx, &AuditFilter{OrderBy: "entry_id; DROP TABLE audit_log"}); err == nil {
		t.Error("hostile order_by accepted")
	}
	if _, err := al.Query(ctx, &AuditFilter{OrderDir: "SIDEWAYS"}); err == nil {
		t.Error("invalid order_dir accepted")
	}
}

// WHAT: deletes audit entries past retention.
func TestAuditLogger_Cleanup(t *testing.T) {
	db := newObsDB(t)
	al := NewAuditLogger(db, 16)
	defer al.Close()
	ctx := context.Background()

	al.Log(ctx, &AuditEntry{
		ComponentName: "focus",
		OperationType: "analyze_image",
		Timestamp:     time.Now().AddDate(0, 0, -60),
	})
	al.Log(ctx, &AuditEntry{ComponentName: "focus", OperationType: "analyze_image"})

	deleted, err := al.Cleanup(ctx, 30)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
}

// WHAT: verifies a custom ID generator takes over entry IDs.
// WHY: deterministic IDs let end-to-end tests pin audit rows to requests.
func TestAuditLogger_WithIDGenerator(t *testing.T) {
	db := newObsDB(t)
	al := NewAuditLogger(db, 16, WithAuditIDGenerator(func() string { return "aud_fixed" }))
	defer al.Close()

	if err := al.Log(context.Background(), &AuditEntry{
		ComponentName: "focus",
		OperationType: "analyze_image",
	}); err != nil {
		t.Fatal(err)
	}
	var id string
	db.QueryRow("SELECT entry_id FROM audit_log").Scan(&id)
	if id != "aud_fixed" {
		t.Errorf("entry_id = %q", id)
	}
}

// WHAT: records a business event and reads the row back, with a pinned
// event ID via the generator option.
func TestEventLogger_LogEvent(t *testing.T) {
	db := newObsDB(t)
	el := NewEventLogger(db, WithEventIDGenerator(func() string { return "evt_fixed" }))

	el.LogEvent(context.Background(), BusinessEvent{
		EventType:   "analysis_completed",
		ServiceName: "ctafocus",
		EntityType:  "analysis",
		EntityID:    "ana_9k2m4p6q8r1s",
		UserID:      "usr_7",
		Action:      "analyze",
		Details:     `{"cta_count":3}`,
		Success:     true,
	})

	var (
		id, eventType, entityID string
		success                 bool
	)
	err := db.QueryRow(
		"SELECT event_id, event_type, entity_id, success FROM business_event_logs",
	).Scan(&id, &eventType, &entityID, &success)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if id != "evt_fixed" || eventType != "analysis_completed" || entityID != "ana_9k2m4p6q8r1s" || !success {
		t.Errorf("row = %q/%q/%q/%v", id, eventType, entityID, success)
	}
}

// WHAT: runs a request through the logging middleware and checks the
// persisted row: method, path, final status, client IP, user agent and the
// user ID pulled from the request context.
func TestHTTPLogRecorder_Middleware(t *testing.T) {
	db := newObsDB(t)
	rec := NewHTTPLogRecorder(db, 16)

	handler := rec.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/analyze", nil)
	req.RemoteAddr = "203.0.113.9:4455"
	req.Header.Set("User-Agent", "uxlens-e2e/1.0")
	req = req.WithContext(kit.WithUserID(req.Context(), "usr_7"))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	rec.Close()

	var (
		method, path, ip, ua, userID string
		status                       int
	)
	err := db.QueryRow(
		"SELECT method, path, status_code, ip_address, user_agent, user_id FROM http_request_logs",
	).Scan(&method, &path, &status, &ip, &ua, &userID)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if method != "POST" || path != "/api/analyze" || status != http.StatusAccepted {
		t.Errorf("row = %s %s %d", method, path, status)
	}
	if ip != "203.0.113.9" {
		t.Errorf("ip = %q, want RemoteAddr host", ip)
	}
	if ua != "uxlens-e2e/1.0" || userID != "usr_7" {
		t.Errorf("ua/user = %q/%q", ua, userID)
	}
}

// WHAT: verifies X-Forwarded-For overrides RemoteAddr, keeping only the
// first hop, and that a handler that never calls WriteHeader logs 200.
// WHY: behind the reverse proxy RemoteAddr is always the proxy itself; the
// first XFF entry is the actual client.
func TestHTTPLogRecorder_ForwardedFor(t *testing.T) {
	db := newObsDB(t)
	rec := NewHTTPLogRecorder(db, 16)

	handler := rec.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.RemoteAddr = "10.0.0.1:9999"
	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	rec.Close()

	var ip string
	var status int
	if err := db.QueryRow("SELECT ip_address, status_code FROM http_request_logs").Scan(&ip, &status); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if ip != "198.51.100.7" {
		t.Errorf("ip = %q, want first XFF hop", ip)
	}
	if status != http.StatusOK {
		t.Errorf("status = %d, want implicit 200", status)
	}
}

// WHAT: runs the retention sweep across all five tables and checks old rows
// go while fresh ones stay.
// WHY: the janitor goroutine calls this nightly; a table missed here grows
// until the disk fills.
func TestCleanup_Retention(t *testing.T) {
	db := newObsDB(t)
	old := time.Now().AddDate(0, 0, -90).Unix()
	now := time.Now().Unix()

	for _, ins := range []struct {
		q    string
		args []interface{}
	}{
		{"INSERT INTO http_request_logs (method, path, created_at) VALUES ('GET', '/', ?)", []interface{}{old}},
		{"INSERT INTO http_request_logs (method, path, created_at) VALUES ('GET', '/', ?)", []interface{}{now}},
		{"INSERT INTO business_event_logs (event_id, event_type, service_name, action, created_at) VALUES ('evt_old', 'x', 'ctafocus', 'a', ?)", []interface{}{old}},
		{"INSERT INTO business_event_logs (event_id, event_type, service_name, action, created_at) VALUES ('evt_new', 'x', 'ctafocus', 'a', ?)", []interface{}{now}},
		{"INSERT INTO audit_log (entry_id, timestamp, component_name, operation_type, status) VALUES ('aud_old', ?, 'focus', 'op', 'success')", []interface{}{old}},
		{"INSERT INTO audit_log (entry_id, timestamp, component_name, operation_type, status) VALUES ('aud_new', ?, 'focus', 'op', 'success')", []interface{}{now}},
		{"INSERT INTO metrics_timeseries (metric_name, timestamp, value) VALUES ('m', ?, 1)", []interface{}{old}},
		{"INSERT INTO metrics_timeseries (metric_name, timestamp, value) VALUES ('m', ?, 1)", []interface{}{now}},
		{"INSERT INTO service_heartbeats (service_name, hostname, pid, timestamp) VALUES ('ctafocus-http', 'web-1', 1, ?)", []interface{}{old}},
		{"INSERT INTO service_heartbeats (service_name, hostname, pid, timestamp) VALUES ('ctafocus-http', 'web-1', 1, ?)", []interface{}{now}},
	} {
		if _, err := db.Exec(ins.q, ins.args...); err != nil {
			t.Fatal(err)
		}
	}

	err := Cleanup(context.Background(), db, RetentionConfig{
		HTTPLogsDays:   7,
		EventLogsDays:  30,
		AuditLogDays:   30,
		MetricsDays:    14,
		HeartbeatsDays: 7,
	})
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	for _, table := range []string{
		"http_request_logs",
		"business_event_logs",
		"audit_log",
		"metrics_timeseries",
		"service_heartbeats",
	} {
		if n := countRows(t, db, table); n != 1 {
			t.Errorf("%s rows = %d, want 1", table, n)
		}
	}
}

// WHAT: verifies zero-day retention settings leave their tables untouched.
func TestCleanup_ZeroDaysSkips(t *testing.T) {
	db := newObsDB(t)
	old := time.Now().AddDate(0, 0, -90).Unix()
	db.Exec("INSERT INTO http_request_logs (method, path, created_at) VALUES ('GET', '/', ?)", old)

	if err := Cleanup(context.Background(), db, RetentionConfig{}); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n := countRows(t, db, "http_request_logs"); n != 1 {
		t.Errorf("rows = %d, want untouched", n)
	}
}
