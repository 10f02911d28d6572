package attendance_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"slotattend/internal/attendance"
)

func TestProvision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u, err := f.svc.Users.Provision(ctx, "  New.Student@School.edu ", "<script>x</script>Ada")
	require.NoError(t, err)
	require.Equal(t, "new.student@school.edu", u.Email)
	require.Equal(t, "Ada", u.Name)
	require.Equal(t, attendance.RoleStudent, u.Role)

	again, err := f.svc.Users.Provision(ctx, "new.student@school.edu", "Other Name")
	require.NoError(t, err)
	require.Equal(t, u.ID, again.ID)
	require.Equal(t, "Ada", again.Name)

	noName, err := f.svc.Users.Provision(ctx, "lovelace@school.edu", "")
	require.NoError(t, err)
	require.Equal(t, "lovelace", noName.Name)

	_, err = f.svc.Users.Provision(ctx, "not-an-email", "x")
	require.ErrorIs(t, err, attendance.ErrValidation)
}

func TestProvisionConfiguredAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root, err := f.svc.Users.Provision(ctx, "root@school.edu", "Root")
	require.NoError(t, err)
	require.Equal(t, attendance.RoleAdmin, root.Role)

	// An existing account listed later is promoted on next sign-in.
	users := attendance.NewUsers(f.repo, f.clock, attendance.UsersConfig{Admins: []string{"teacher@school.edu"}}, zerolog.Nop())
	promoted, err := users.Provision(ctx, "teacher@school.edu", "")
	require.NoError(t, err)
	require.Equal(t, f.teacher.ID, promoted.ID)
	require.Equal(t, attendance.RoleAdmin, promoted.Role)
}

func TestProvisionAllowedDomain(t *testing.T) {
	f := newFixture(t)
	users := attendance.NewUsers(f.repo, f.clock, attendance.UsersConfig{AllowedDomain: "@School.edu"}, zerolog.Nop())

	_, err := users.Provision(context.Background(), "someone@gmail.com", "x")
	require.ErrorIs(t, err, attendance.ErrForbidden)

	_, err = users.Provision(context.Background(), "someone@school.edu", "x")
	require.NoError(t, err)
}

func TestAdminUserActions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Users.SetRole(ctx, f.teacher, f.student.ID, attendance.RoleTeacher)
	require.ErrorIs(t, err, attendance.ErrForbidden)

	promoted, err := f.svc.Users.SetRole(ctx, f.admin, f.student.ID, attendance.RoleTeacher)
	require.NoError(t, err)
	require.Equal(t, attendance.RoleTeacher, promoted.Role)

	_, err = f.svc.Users.SetRole(ctx, f.admin, f.student.ID, attendance.RoleAdmin)
	require.ErrorIs(t, err, attendance.ErrValidation)

	_, err = f.svc.Users.SetRole(ctx, f.admin, f.admin.ID, attendance.RoleStudent)
	require.ErrorIs(t, err, attendance.ErrForbidden)

	_, err = f.svc.Users.SetRole(ctx, f.admin, 9999, attendance.RoleStudent)
	require.ErrorIs(t, err, attendance.ErrNotFound)

	banned, err := f.svc.Users.SetBanned(ctx, f.admin, f.student2.ID, true)
	require.NoError(t, err)
	require.True(t, banned.IsBanned)

	_, err = f.svc.Users.SetBanned(ctx, f.admin, f.admin.ID, true)
	require.ErrorIs(t, err, attendance.ErrForbidden)

	stats, err := f.svc.Users.Stats(ctx, f.admin)
	require.NoError(t, err)
	require.Equal(t, attendance.UserCounts{Total: 5, Students: 1, Teachers: 3, Admins: 1, Banned: 1}, stats)

	unbanned, err := f.svc.Users.SetBanned(ctx, f.admin, f.student2.ID, false)
	require.NoError(t, err)
	require.False(t, unbanned.IsBanned)

	found, err := f.svc.Users.Search(ctx, f.admin, "STUDENT")
	require.NoError(t, err)
	require.Len(t, found, 2)

	none, err := f.svc.Users.Search(ctx, f.admin, "%")
	require.NoError(t, err)
	require.Empty(t, none)

	_, err = f.svc.Users.Stats(ctx, f.student)
	require.ErrorIs(t, err, attendance.ErrForbidden)
}

func TestRooms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	room, err := f.svc.Rooms.CreateRoom(ctx, f.otherTeacher, "  <b>Chemistry</b> Lab ")
	require.NoError(t, err)
	require.Equal(t, "Chemistry Lab", room.Name)
	require.Equal(t, f.otherTeacher.ID, room.CreatedBy)

	_, err = f.svc.Rooms.CreateRoom(ctx, f.otherTeacher, "<i></i>  ")
	require.ErrorIs(t, err, attendance.ErrValidation)

	_, err = f.svc.Rooms.CreateRoom(ctx, f.student, "Mine")
	require.ErrorIs(t, err, attendance.ErrForbidden)

	rooms, err := f.svc.Rooms.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 2)

	f.open(t, 30, false)
	slots, err := f.svc.Rooms.ListSlots(ctx, f.teacher, f.room.ID)
	require.NoError(t, err)
	require.Len(t, slots, 1)

	_, err = f.svc.Rooms.ListSlots(ctx, f.otherTeacher, f.room.ID)
	require.ErrorIs(t, err, attendance.ErrForbidden)

	_, err = f.svc.Rooms.ListSlots(ctx, f.admin, 777)
	require.ErrorIs(t, err, attendance.ErrNotFound)
}

func TestDashboardSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	empty, err := f.svc.Dashboard.Summary(ctx, f.student, t0)
	require.NoError(t, err)
	require.Nil(t, empty.ActiveSlot)
	require.Zero(t, empty.AttendanceRate)

	first := f.open(t, 30, true)
	_, err = f.mark(attendance.MarkRequest{StudentID: f.student.ID, PIN: "04821"})
	require.NoError(t, err)
	_, err = f.svc.Slots.CloseSlot(ctx, f.teacher, first.ID)
	require.NoError(t, err)

	f.open(t, 30, false)
	f.open(t, 30, true)

	sum, err := f.svc.Dashboard.Summary(ctx, f.student, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, sum.ActiveSlot)
	require.Equal(t, "Physics 101", sum.ActiveSlot.Room)
	require.True(t, sum.ActiveSlot.RequirePin)
	require.Equal(t, 3, sum.TotalSessions)
	require.Equal(t, 1, sum.Attended)
	require.Equal(t, 33.3, sum.AttendanceRate)

	history, err := f.svc.Dashboard.History(ctx, f.student, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, first.ID, history[0].SlotID)
	require.Equal(t, "Physics 101", history[0].RoomName)
}

func TestAttendanceRate(t *testing.T) {
	require.Equal(t, 0.0, attendance.AttendanceRate(0, 0))
	require.Equal(t, 100.0, attendance.AttendanceRate(4, 4))
	require.Equal(t, 66.7, attendance.AttendanceRate(2, 3))
	require.Equal(t, 12.5, attendance.AttendanceRate(1, 8))
}
