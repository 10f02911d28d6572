package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"slotattend/internal/attendance"
	"slotattend/internal/auth"
	"slotattend/internal/httpmiddleware"
	"slotattend/internal/lock"
	"slotattend/internal/report"
	"slotattend/internal/store"
)

var testKeys = auth.Keys{Issuer: "slotattend-test", SigningKey: "test-key", AccessTTL: time.Hour, RefreshTTL: 24 * time.Hour}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type pinCodes struct{}

func (pinCodes) QRToken() (string, error) { return "token-abc", nil }
func (pinCodes) PIN() (string, error)     { return "04821", nil }

type server struct {
	t      *testing.T
	db     *store.DB
	router *gin.Engine
	repo   *attendance.Repository
	clock  *testClock
	room   attendance.Room

	admin, teacher, other, student, student2 attendance.User
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	db, err := store.NewDB(ctx, store.DriverSQLite, "file:"+filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(ctx, db))

	s := &server{t: t, db: db, clock: &testClock{now: time.Date(2026, 10, 5, 8, 30, 0, 0, time.UTC)}}
	s.repo = attendance.NewRepository(db.Client, db.Driver)
	svc := attendance.NewService(s.repo, zerolog.Nop(), attendance.Options{
		Clock:  s.clock,
		Codes:  pinCodes{},
		Locker: lock.NewLocal(),
	})
	reports := report.NewService(svc.Slots, s.repo, s.clock, 200, zerolog.Nop())
	h := NewHandler(Deps{
		Service:       svc,
		Reports:       reports,
		Keys:          testKeys,
		PublicBaseURL: "https://attend.example.edu/",
		MarkLimit:     httpmiddleware.NewSimpleTokenBucket(100, 100).GinMiddlewareBy(UserLimitKey),
		Logger:        zerolog.Nop(),
	})
	s.router = NewRouter(RouterConfig{
		Logger: zerolog.Nop(),
		Health: map[string]HealthCheck{"db": func(ctx context.Context) bool { return db.Client.PingContext(ctx) == nil }},
	}, h)

	mk := func(email, name string, role attendance.Role) attendance.User {
		u := attendance.User{Email: email, Name: name, Role: role}
		require.NoError(t, s.repo.CreateUser(ctx, &u))
		return u
	}
	s.admin = mk("admin@school.edu", "Admin", attendance.RoleAdmin)
	s.teacher = mk("teacher@school.edu", "Teacher", attendance.RoleTeacher)
	s.other = mk("other@school.edu", "Other", attendance.RoleTeacher)
	s.student = mk("student@school.edu", "Student One", attendance.RoleStudent)
	s.student2 = mk("student2@school.edu", "Student Two", attendance.RoleStudent)

	s.room = attendance.Room{Name: "Physics", CreatedBy: s.teacher.ID}
	require.NoError(t, s.repo.CreateRoom(ctx, &s.room))
	return s
}

func token(t *testing.T, u attendance.User) string {
	t.Helper()
	pair, err := auth.Issue(u.ID, string(u.Role), testKeys)
	require.NoError(t, err)
	return pair.AccessToken
}

func (s *server) do(method, path string, as *attendance.User, body, contentType string) *httptest.ResponseRecorder {
	s.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if as != nil {
		req.Header.Set("Authorization", "Bearer "+token(s.t, *as))
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *server) postJSON(path string, as attendance.User, body string) *httptest.ResponseRecorder {
	return s.do(http.MethodPost, path, &as, body, "application/json")
}

func (s *server) postForm(path string, as attendance.User, form url.Values) *httptest.ResponseRecorder {
	return s.do(http.MethodPost, path, &as, form.Encode(), "application/x-www-form-urlencoded")
}

func (s *server) get(path string, as attendance.User) *httptest.ResponseRecorder {
	return s.do(http.MethodGet, path, &as, "", "")
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (s *server) openSlot(as attendance.User, requirePin bool) int64 {
	s.t.Helper()
	form := url.Values{"room_id": {strconv.FormatInt(s.room.ID, 10)}, "duration": {"30"}}
	if requirePin {
		form.Set("require_pin", "on")
	}
	w := s.postForm("/teacher/slots/open", as, form)
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	slot := decode(s.t, w)["slot"].(map[string]any)
	return int64(slot["id"].(float64))
}

func TestMarkFlow(t *testing.T) {
	s := newServer(t)

	w := s.postJSON("/attendance/mark", s.student, `{"method":"pin","pin":"04821"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, map[string]any{"ok": false, "msg": "No active session"}, decode(t, w))

	form := url.Values{"room_id": {strconv.FormatInt(s.room.ID, 10)}, "duration": {"30"}, "require_pin": {"on"}}
	w = s.postForm("/teacher/slots/open", s.teacher, form)
	require.Equal(t, http.StatusCreated, w.Code)
	body := decode(t, w)
	require.Equal(t, "04821", body["pin_code"])
	slot := body["slot"].(map[string]any)
	require.Equal(t, true, slot["open"])
	require.NotContains(t, slot, "qr_token")
	require.NotContains(t, slot, "pin_code")

	w = s.postJSON("/attendance/mark", s.student, `{"method":"pin","pin":"04820","fingerprint":"F1"}`)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, "Invalid PIN", decode(t, w)["msg"])

	w = s.postJSON("/attendance/mark", s.student, `{"method":"pin","pin":"04821","fingerprint":"F1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	require.Equal(t, true, body["ok"])
	require.Equal(t, "Attendance recorded", body["msg"])
	require.NotEmpty(t, body["timestamp"])

	w = s.postJSON("/attendance/mark", s.student, `{"method":"pin","pin":"04821","fingerprint":"F1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, map[string]any{"ok": false, "msg": "Already marked"}, decode(t, w))

	w = s.postJSON("/attendance/mark", s.student2, `{"method":"qr","qr_token":"wrong"}`)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, "Invalid QR token", decode(t, w)["msg"])

	w = s.postJSON("/attendance/mark", s.student2, `{"method":"qr","qr_token":"token-abc"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.postJSON("/attendance/mark", s.student2, `{"method":"face"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = s.postJSON("/attendance/mark", s.student2, `{not json`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMarkDeviceMismatch(t *testing.T) {
	s := newServer(t)
	first := s.openSlot(s.teacher, false)

	w := s.postJSON("/attendance/mark", s.student, `{"method":"pin","fingerprint":"F1"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.postForm("/teacher/slots/close/"+strconv.FormatInt(first, 10), s.teacher, nil)
	require.Equal(t, http.StatusOK, w.Code)
	s.openSlot(s.teacher, false)

	w = s.postJSON("/attendance/mark", s.student, `{"method":"pin","fingerprint":"F2"}`)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, "Device fingerprint mismatch", decode(t, w)["msg"])

	w = s.postForm("/admin/users/"+strconv.FormatInt(s.student.ID, 10)+"/fingerprint/reset", s.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.postJSON("/attendance/mark", s.student, `{"method":"pin","fingerprint":"F2"}`)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAuthRequired(t *testing.T) {
	s := newServer(t)

	w := s.do(http.MethodPost, "/attendance/mark", nil, `{}`, "application/json")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.get("/teacher/rooms", s.student)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = s.get("/admin/users", s.teacher)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = s.get("/teacher/rooms", s.admin)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestOpenSlotValidation(t *testing.T) {
	s := newServer(t)
	room := strconv.FormatInt(s.room.ID, 10)

	w := s.postForm("/teacher/slots/open", s.teacher, url.Values{"room_id": {room}, "duration": {"0"}})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = s.postForm("/teacher/slots/open", s.teacher, url.Values{"duration": {"10"}})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, decode(t, w)["msg"], "Room_id is required")

	w = s.postForm("/teacher/slots/open", s.teacher, url.Values{"room_id": {"999"}, "duration": {"10"}})
	require.Equal(t, http.StatusNotFound, w.Code)

	w = s.postForm("/teacher/slots/open", s.other, url.Values{"room_id": {room}, "duration": {"10"}})
	require.Equal(t, http.StatusForbidden, w.Code)

	// Duration defaults to five minutes and the PIN stays off.
	w = s.postForm("/teacher/slots/open", s.teacher, url.Values{"room_id": {room}})
	require.Equal(t, http.StatusCreated, w.Code)
	body := decode(t, w)
	require.NotContains(t, body, "pin_code")
	slot := body["slot"].(map[string]any)
	require.Equal(t, false, slot["require_pin"])

	w = s.postForm("/teacher/slots/open", s.teacher, url.Values{"room_id": {room}, "duration": {"200000000"}})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, decode(t, w)["msg"], "Duration must be between 1 and 1440 minutes")
}

func TestMarkRequestShape(t *testing.T) {
	s := newServer(t)
	s.openSlot(s.teacher, false)

	long := strings.Repeat("f", 300)
	w := s.postJSON("/attendance/mark", s.student, `{"method":"pin","fingerprint":"`+long+`"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, decode(t, w)["msg"], "must be at most 256 characters")

	w = s.get("/auth/me", s.student)
	require.Equal(t, false, decode(t, w)["has_device"])

	w = s.do(http.MethodPost, "/attendance/mark", &s.student, "", "application/json")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, true, decode(t, w)["ok"])
}

func TestMarkStorageFailure(t *testing.T) {
	s := newServer(t)
	s.openSlot(s.teacher, false)

	_, err := s.db.Client.Exec(`
		CREATE TRIGGER reject_records BEFORE INSERT ON attendance_records
		BEGIN SELECT RAISE(ABORT, 'insert rejected'); END
	`)
	require.NoError(t, err)

	w := s.postJSON("/attendance/mark", s.student, `{"method":"pin","fingerprint":"F1"}`)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Equal(t, map[string]any{"ok": false, "msg": "Internal server error"}, decode(t, w))

	w = s.get("/auth/me", s.student)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, false, decode(t, w)["has_device"])
}

func TestCORS(t *testing.T) {
	request := func(r *gin.Engine, origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("Origin", origin)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}
	engine := func(origins []string) *gin.Engine {
		r := gin.New()
		r.Use(cors.New(corsConfig(origins)))
		r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
		return r
	}

	open := engine(nil)
	w := request(open, "https://evil.example.com")
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	require.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))

	listed := engine([]string{"https://attend.example.edu"})
	w = request(listed, "https://attend.example.edu")
	require.Equal(t, "https://attend.example.edu", w.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))

	w = request(listed, "https://evil.example.com")
	require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestCloseSlot(t *testing.T) {
	s := newServer(t)
	slotID := strconv.FormatInt(s.openSlot(s.teacher, true), 10)

	w := s.postForm("/teacher/slots/close/"+slotID, s.other, nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = s.postForm("/teacher/slots/close/424242", s.teacher, nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = s.postForm("/teacher/slots/close/abc", s.teacher, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	for i := 0; i < 2; i++ {
		w = s.postForm("/teacher/slots/close/"+slotID, s.teacher, nil)
		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, false, decode(t, w)["slot"].(map[string]any)["is_active"])
	}

	w = s.postJSON("/attendance/mark", s.student, `{"method":"pin","pin":"04821"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFeedAndExport(t *testing.T) {
	s := newServer(t)
	slotID := strconv.FormatInt(s.openSlot(s.teacher, false), 10)

	require.Equal(t, http.StatusOK, s.postJSON("/attendance/mark", s.student, `{"method":"pin"}`).Code)
	s.clock.Advance(time.Minute)
	require.Equal(t, http.StatusOK, s.postJSON("/attendance/mark", s.student2, `{"method":"qr","qr_token":"token-abc"}`).Code)

	w := s.get("/teacher/slot/"+slotID+"/feed", s.teacher)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	require.Equal(t, true, body["ok"])
	require.Equal(t, float64(2), body["total"])
	require.Equal(t, true, body["is_active"])
	records := body["records"].([]any)
	require.Len(t, records, 2)
	newest := records[0].(map[string]any)
	require.Equal(t, "Student Two", newest["name"])
	require.Equal(t, "student2@school.edu", newest["email"])
	require.Equal(t, "qr", newest["method"])

	w = s.get("/teacher/slot/"+slotID+"/feed", s.other)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = s.get("/teacher/slot/999/feed", s.admin)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = s.get("/teacher/slot/"+slotID+"/export", s.teacher)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/csv; charset=utf-8", w.Header().Get("Content-Type"))
	require.Contains(t, w.Header().Get("Content-Disposition"), "attendance_slot_"+slotID+".csv")
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, "Student Name,Email,Timestamp,Method", lines[0])
	require.True(t, strings.HasPrefix(lines[1], "Student Two,student2@school.edu,"))

	w = s.get("/teacher/slot/"+slotID+"/export", s.other)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestQRLink(t *testing.T) {
	s := newServer(t)
	slotID := strconv.FormatInt(s.openSlot(s.teacher, true), 10)

	w := s.get("/teacher/slot/"+slotID+"/qr", s.teacher)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	require.Equal(t, "https://attend.example.edu/qr/mark?slot_id="+slotID+"&token=token-abc", body["qr_url"])
	require.NotContains(t, w.Body.String(), "04821")

	w = s.get("/teacher/slot/"+slotID+"/qr", s.other)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestRoomsEndpoints(t *testing.T) {
	s := newServer(t)

	w := s.postForm("/teacher/rooms", s.other, url.Values{"name": {"Biology"}})
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.postJSON("/teacher/rooms", s.other, `{"name":""}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = s.get("/teacher/rooms", s.teacher)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode(t, w)["rooms"].([]any), 2)

	s.openSlot(s.teacher, false)
	w = s.get("/teacher/rooms/"+strconv.FormatInt(s.room.ID, 10)+"/slots", s.teacher)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode(t, w)["slots"].([]any), 1)
}

func TestDashboardAndHistory(t *testing.T) {
	s := newServer(t)

	w := s.get("/dashboard", s.student)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	require.Nil(t, body["active_slot"])
	require.Equal(t, float64(0), body["attendance_rate"])

	s.openSlot(s.teacher, true)
	require.Equal(t, http.StatusOK, s.postJSON("/attendance/mark", s.student, `{"pin":"04821"}`).Code)

	w = s.get("/dashboard", s.student)
	body = decode(t, w)
	active := body["active_slot"].(map[string]any)
	require.Equal(t, "Physics", active["room"])
	require.Equal(t, true, active["require_pin"])
	require.NotContains(t, w.Body.String(), "04821")
	require.Equal(t, float64(100), body["attendance_rate"])

	w = s.get("/attendance/history", s.student)
	require.Equal(t, http.StatusOK, w.Code)
	records := decode(t, w)["records"].([]any)
	require.Len(t, records, 1)
	require.Equal(t, "Physics", records[0].(map[string]any)["room"])
}

func TestAdminEndpoints(t *testing.T) {
	s := newServer(t)
	sid := strconv.FormatInt(s.student.ID, 10)

	w := s.postJSON("/admin/users/"+sid+"/role", s.admin, `{"role":"teacher"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "teacher", decode(t, w)["user"].(map[string]any)["role"])

	w = s.postJSON("/admin/users/"+sid+"/role", s.admin, `{"role":"admin"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = s.postJSON("/admin/users/"+strconv.FormatInt(s.admin.ID, 10)+"/role", s.admin, `{"role":"student"}`)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, "Admins cannot be demoted", decode(t, w)["msg"])

	w = s.postForm("/admin/users/"+strconv.FormatInt(s.student2.ID, 10)+"/ban", s.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)

	s.openSlot(s.teacher, false)
	w = s.postJSON("/attendance/mark", s.student2, `{"method":"pin"}`)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = s.get("/admin/stats", s.admin)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode(t, w)["stats"].(map[string]any)
	require.Equal(t, float64(1), stats["banned_count"])
	require.Equal(t, float64(3), stats["total_teachers"])

	w = s.postForm("/admin/users/"+strconv.FormatInt(s.student2.ID, 10)+"/unban", s.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = s.postJSON("/attendance/mark", s.student2, `{"method":"pin"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.get("/admin/users?q=student2", s.admin)
	require.Equal(t, http.StatusOK, w.Code)
	users := decode(t, w)["users"].([]any)
	require.Len(t, users, 1)
	require.NotContains(t, w.Body.String(), "device_fingerprint")
}

func TestRefreshAndHealth(t *testing.T) {
	s := newServer(t)
	pair, err := auth.Issue(s.student.ID, "student", testKeys)
	require.NoError(t, err)

	w := s.do(http.MethodPost, "/auth/refresh", nil, `{"refresh_token":"`+pair.RefreshToken+`"}`, "application/json")
	require.Equal(t, http.StatusOK, w.Code)
	tokens := decode(t, w)["tokens"].(map[string]any)
	require.NotEmpty(t, tokens["access_token"])

	w = s.do(http.MethodPost, "/auth/refresh", nil, `{"refresh_token":"`+pair.AccessToken+`"}`, "application/json")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodGet, "/healthz", nil, "", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, decode(t, w)["db"])

	w = s.get("/auth/me", s.student)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, false, decode(t, w)["has_device"])
}
