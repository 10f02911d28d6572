package httpapi

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"slotattend/internal/attendance"
	"slotattend/internal/auth"
	"slotattend/internal/report"
)

const defaultSlotMinutes = 5

// Handler exposes the attendance services over HTTP.
type Handler struct {
	svc           *attendance.Service
	reports       *report.Service
	keys          auth.Keys
	publicBaseURL string
	markLimit     gin.HandlerFunc
	logger        zerolog.Logger
}

// Deps wires a Handler.
type Deps struct {
	Service       *attendance.Service
	Reports       *report.Service
	Keys          auth.Keys
	PublicBaseURL string
	// MarkLimit throttles marking per user; nil disables it.
	MarkLimit gin.HandlerFunc
	Logger    zerolog.Logger
}

func NewHandler(d Deps) *Handler {
	registerTagNames()
	return &Handler{
		svc:           d.Service,
		reports:       d.Reports,
		keys:          d.Keys,
		publicBaseURL: strings.TrimRight(d.PublicBaseURL, "/"),
		markLimit:     d.MarkLimit,
		logger:        d.Logger.With().Str("component", "http").Logger(),
	}
}

var tagNamesOnce sync.Once

// registerTagNames makes validation messages use wire field names.
func registerTagNames() {
	tagNamesOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			for _, tag := range []string{"form", "json"} {
				if name := strings.Split(f.Tag.Get(tag), ",")[0]; name != "" && name != "-" {
					return name
				}
			}
			return f.Name
		})
	})
}

// Register mounts every route on r.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/auth/refresh", h.refresh)

	authed := r.Group("/", auth.Session(h.keys, h.svc.Users))
	authed.GET("/auth/me", h.me)
	authed.GET("/dashboard", h.dashboard)
	authed.GET("/attendance/history", h.history)
	markChain := []gin.HandlerFunc{}
	if h.markLimit != nil {
		markChain = append(markChain, h.markLimit)
	}
	authed.POST("/attendance/mark", append(markChain, h.mark)...)

	teacher := authed.Group("/teacher", auth.RequireRoles(attendance.RoleTeacher, attendance.RoleAdmin))
	teacher.GET("/rooms", h.listRooms)
	teacher.POST("/rooms", h.createRoom)
	teacher.GET("/rooms/:room_id/slots", h.listRoomSlots)
	teacher.POST("/slots/open", h.openSlot)
	teacher.POST("/slots/close/:slot_id", h.closeSlot)
	teacher.GET("/slot/:slot_id/feed", h.feed)
	teacher.GET("/slot/:slot_id/export", h.export)
	teacher.GET("/slot/:slot_id/qr", h.qr)

	admin := authed.Group("/admin", auth.RequireRoles(attendance.RoleAdmin))
	admin.GET("/users", h.listUsers)
	admin.GET("/stats", h.stats)
	admin.POST("/users/:id/role", h.setRole)
	admin.POST("/users/:id/ban", h.setBanned(true))
	admin.POST("/users/:id/unban", h.setBanned(false))
	admin.POST("/users/:id/fingerprint/reset", h.resetFingerprint)
}

// UserLimitKey keys the mark limiter by the authenticated user.
func UserLimitKey(c *gin.Context) string {
	if u, ok := auth.CurrentUser(c); ok {
		return "user:" + strconv.FormatInt(u.ID, 10)
	}
	return "ip:" + c.ClientIP()
}

func (h *Handler) fail(c *gin.Context, err error) {
	writeError(c, h.logger, err)
}

func pathID(c *gin.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s", attendance.ErrValidation, name)
	}
	return id, nil
}

func currentUser(c *gin.Context) attendance.User {
	u, _ := auth.CurrentUser(c)
	return u
}

// ---- auth ----

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

func (h *Handler) refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, bindError(err))
		return
	}
	claims, err := auth.Parse(req.RefreshToken, auth.TypeRefresh, h.keys)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "msg": "Invalid refresh token"})
		return
	}
	user, err := h.svc.Users.Get(c.Request.Context(), claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if user.IsBanned {
		c.JSON(http.StatusForbidden, gin.H{"ok": false, "msg": "Account banned"})
		return
	}
	tokens, err := auth.Issue(user.ID, string(user.Role), h.keys)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "tokens": tokens})
}

func (h *Handler) me(c *gin.Context) {
	u := currentUser(c)
	c.JSON(http.StatusOK, gin.H{"ok": true, "user": u, "has_device": u.HasFingerprint()})
}

// ---- students ----

type markRequest struct {
	Fingerprint string `json:"fingerprint" binding:"max=256"`
	PIN         string `json:"pin" binding:"max=256"`
	QRToken     string `json:"qr_token" binding:"max=256"`
	Method      string `json:"method" binding:"max=256"`
}

func (h *Handler) mark(c *gin.Context) {
	var req markRequest
	// An empty body is the same as {}: the default method with no proof.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.fail(c, bindError(err))
		return
	}
	res, err := h.svc.Verifier.Mark(c.Request.Context(), attendance.MarkRequest{
		StudentID:   currentUser(c).ID,
		Method:      req.Method,
		PIN:         strings.TrimSpace(req.PIN),
		QRToken:     strings.TrimSpace(req.QRToken),
		Fingerprint: strings.TrimSpace(req.Fingerprint),
		At:          h.svc.Slots.Now(),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"msg":       msgRecorded,
		"timestamp": res.Record.Timestamp.Format(time.RFC3339Nano),
	})
}

func (h *Handler) dashboard(c *gin.Context) {
	sum, err := h.svc.Dashboard.Summary(c.Request.Context(), currentUser(c), h.svc.Slots.Now())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":              true,
		"active_slot":     sum.ActiveSlot,
		"total_sessions":  sum.TotalSessions,
		"attended":        sum.Attended,
		"attendance_rate": sum.AttendanceRate,
	})
}

func (h *Handler) history(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	entries, err := h.svc.Dashboard.History(c.Request.Context(), currentUser(c), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	if entries == nil {
		entries = []attendance.HistoryEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "records": entries})
}

// ---- teachers ----

type createRoomRequest struct {
	Name string `form:"name" json:"name" binding:"required"`
}

func (h *Handler) createRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBind(&req); err != nil {
		h.fail(c, bindError(err))
		return
	}
	room, err := h.svc.Rooms.CreateRoom(c.Request.Context(), currentUser(c), req.Name)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "room": room})
}

func (h *Handler) listRooms(c *gin.Context) {
	rooms, err := h.svc.Rooms.ListRooms(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if rooms == nil {
		rooms = []attendance.Room{}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "rooms": rooms})
}

func (h *Handler) listRoomSlots(c *gin.Context) {
	roomID, err := pathID(c, "room_id")
	if err != nil {
		h.fail(c, err)
		return
	}
	slots, err := h.svc.Rooms.ListSlots(c.Request.Context(), currentUser(c), roomID)
	if err != nil {
		h.fail(c, err)
		return
	}
	now := h.svc.Slots.Now()
	out := make([]slotView, 0, len(slots))
	for _, s := range slots {
		out = append(out, newSlotView(s, now))
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "slots": out})
}

type openSlotForm struct {
	RoomID     int64  `form:"room_id" binding:"required"`
	Duration   *int   `form:"duration"`
	RequirePin string `form:"require_pin"`
}

// slotView is a slot as shown to its teacher, with the derived open state.
type slotView struct {
	attendance.Slot
	Open bool `json:"open"`
}

func newSlotView(s attendance.Slot, now time.Time) slotView {
	return slotView{Slot: s, Open: s.OpenAt(now)}
}

func checkbox(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on", "true", "1", "yes":
		return true
	}
	return false
}

func (h *Handler) openSlot(c *gin.Context) {
	var form openSlotForm
	if err := c.ShouldBind(&form); err != nil {
		h.fail(c, bindError(err))
		return
	}
	minutes := defaultSlotMinutes
	if form.Duration != nil {
		minutes = *form.Duration
	}
	slot, err := h.svc.Slots.OpenSlot(c.Request.Context(), currentUser(c), form.RoomID, minutes, checkbox(form.RequirePin))
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := gin.H{"ok": true, "slot": newSlotView(slot, h.svc.Slots.Now())}
	if slot.PinCode != nil {
		resp["pin_code"] = *slot.PinCode
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) closeSlot(c *gin.Context) {
	slotID, err := pathID(c, "slot_id")
	if err != nil {
		h.fail(c, err)
		return
	}
	slot, err := h.svc.Slots.CloseSlot(c.Request.Context(), currentUser(c), slotID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.reports.Invalidate(c.Request.Context(), slot.ID); err != nil {
		h.logger.Warn().Err(err).Int64("slot_id", slot.ID).Msg("invalidate feed")
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "slot": newSlotView(slot, h.svc.Slots.Now())})
}

func (h *Handler) feed(c *gin.Context) {
	slotID, err := pathID(c, "slot_id")
	if err != nil {
		h.fail(c, err)
		return
	}
	feed, err := h.reports.Feed(c.Request.Context(), currentUser(c), slotID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"records":   feed.Records,
		"total":     feed.Total,
		"is_active": feed.IsActive,
	})
}

func (h *Handler) export(c *gin.Context) {
	slotID, err := pathID(c, "slot_id")
	if err != nil {
		h.fail(c, err)
		return
	}
	var buf bytes.Buffer
	if err := h.reports.ExportCSV(c.Request.Context(), currentUser(c), slotID, &buf); err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+report.ExportFilename(slotID)+`"`)
	c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}

func (h *Handler) qr(c *gin.Context) {
	slotID, err := pathID(c, "slot_id")
	if err != nil {
		h.fail(c, err)
		return
	}
	slot, err := h.svc.Slots.AuthorizeSlot(c.Request.Context(), currentUser(c), slotID)
	if err != nil {
		h.fail(c, err)
		return
	}
	q := url.Values{}
	q.Set("slot_id", strconv.FormatInt(slot.ID, 10))
	q.Set("token", slot.QRToken)
	c.JSON(http.StatusOK, gin.H{
		"ok":     true,
		"qr_url": h.publicBaseURL + "/qr/mark?" + q.Encode(),
		"open":   slot.OpenAt(h.svc.Slots.Now()),
	})
}

// ---- admins ----

func (h *Handler) listUsers(c *gin.Context) {
	users, err := h.svc.Users.Search(c.Request.Context(), currentUser(c), c.Query("q"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if users == nil {
		users = []attendance.User{}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "users": users})
}

func (h *Handler) stats(c *gin.Context) {
	counts, err := h.svc.Users.Stats(c.Request.Context(), currentUser(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "stats": counts})
}

type setRoleRequest struct {
	Role string `form:"role" json:"role" binding:"required,oneof=student teacher"`
}

func (h *Handler) setRole(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	var req setRoleRequest
	if err := c.ShouldBind(&req); err != nil {
		h.fail(c, bindError(err))
		return
	}
	user, err := h.svc.Users.SetRole(c.Request.Context(), currentUser(c), id, attendance.Role(req.Role))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "user": user})
}

func (h *Handler) setBanned(banned bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := pathID(c, "id")
		if err != nil {
			h.fail(c, err)
			return
		}
		user, err := h.svc.Users.SetBanned(c.Request.Context(), currentUser(c), id, banned)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "user": user})
	}
}

func (h *Handler) resetFingerprint(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.svc.Users.ResetFingerprint(c.Request.Context(), currentUser(c), id); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
