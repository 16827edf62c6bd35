package events

const (
	RoomAppointments = "appointments"
	RoomQueue        = "queue"
	RoomAdmin        = "admin"
	RoomCoordinator  = "coordinator"
	RoomGlobal       = "global"
)

// Role is what a live connection declares itself to be when it connects.
type Role string

const (
	RoleAdmin        Role = "admin"
	RoleCoordinator  Role = "coordinator"
	RoleReception    Role = "reception"
	RoleDisplay      Role = "display"
	RolePractitioner Role = "practitioner"
	RoleRequester    Role = "requester"
)

type routing struct {
	base         []string
	requester    bool
	practitioner bool
}

var appointmentRouting = routing{
	base:         []string{RoomAppointments, RoomAdmin, RoomCoordinator},
	requester:    true,
	practitioner: true,
}

var routes = map[Type]routing{
	AppointmentCreated:   appointmentRouting,
	AppointmentUpdated:   appointmentRouting,
	AppointmentCancelled: appointmentRouting,
	AppointmentCheckedIn: appointmentRouting,
	AppointmentCompleted: appointmentRouting,
	AppointmentNoShow:    appointmentRouting,
	QueueEntryAdded:      {base: []string{RoomQueue, RoomAdmin, RoomCoordinator}, requester: true, practitioner: true},
	QueueEntryRemoved:    {base: []string{RoomQueue, RoomAdmin, RoomCoordinator}, requester: true, practitioner: true},
	QueuePositionUpdated: {base: []string{RoomQueue, RoomAdmin, RoomCoordinator}, requester: true},
	SystemNotice:         {base: []string{RoomGlobal}},
}

func RequesterRoom(id string) string    { return "requester:" + id }
func PractitionerRoom(id string) string { return "practitioner:" + id }

// RoomsFor returns the rooms an event is broadcast to: the static rooms of
// its type plus the personal rooms of its requester and practitioner where
// the type asks for them. Unknown types reach admins only.
func RoomsFor(ev Event) []string {
	r, ok := routes[ev.Type]
	if !ok {
		return []string{RoomAdmin}
	}

	rooms := make([]string, 0, len(r.base)+2)
	rooms = append(rooms, r.base...)
	if r.requester && ev.RequesterID != "" {
		rooms = append(rooms, RequesterRoom(ev.RequesterID))
	}
	if r.practitioner && ev.PractitionerID != "" {
		rooms = append(rooms, PractitionerRoom(ev.PractitionerID))
	}
	return rooms
}

// RoomsForRole returns the rooms a connection joins on connect. ok is false
// for an unknown role or a personal role without an id.
func RoomsForRole(role Role, id string) (rooms []string, ok bool) {
	switch role {
	case RoleAdmin:
		return []string{RoomAdmin, RoomGlobal}, true
	case RoleCoordinator:
		return []string{RoomCoordinator, RoomGlobal}, true
	case RoleReception:
		return []string{RoomAppointments, RoomQueue, RoomGlobal}, true
	case RoleDisplay:
		return []string{RoomQueue, RoomGlobal}, true
	case RolePractitioner:
		if id == "" {
			return nil, false
		}
		return []string{PractitionerRoom(id), RoomGlobal}, true
	case RoleRequester:
		if id == "" {
			return nil, false
		}
		return []string{RequesterRoom(id), RoomGlobal}, true
	}
	return nil, false
}
