package attendance

// RoomGuard decides whether requester may act on room.
type RoomGuard func(requester User, room Room) bool

// IsAdmin allows admins.
func IsAdmin(requester User, _ Room) bool { return requester.IsAdmin() }

// OwnsRoom allows the teacher who created the room.
func OwnsRoom(requester User, room Room) bool {
	return requester.IsTeacher() && requester.ID == room.CreatedBy
}

// NotBanned rejects banned users.
func NotBanned(requester User, _ Room) bool { return !requester.IsBanned }

// AnyOf passes when at least one guard passes.
func AnyOf(guards ...RoomGuard) RoomGuard {
	return func(requester User, room Room) bool {
		for _, g := range guards {
			if g(requester, room) {
				return true
			}
		}
		return false
	}
}

// AllOf passes when every guard passes.
func AllOf(guards ...RoomGuard) RoomGuard {
	return func(requester User, room Room) bool {
		for _, g := range guards {
			if !g(requester, room) {
				return false
			}
		}
		return true
	}
}

// CanManageRoom guards slot lifecycle and report access.
var CanManageRoom = AllOf(NotBanned, AnyOf(IsAdmin, OwnsRoom))
