package state

// Canonical room names. Memberships are derived solely from the participant's
// identity and role at admission time; nothing a client sends over the wire
// can change them.

func ParticipantRoom(participantID string) string {
	return "participant:" + participantID
}

func ChefInboxRoom(chefID string) string {
	return "chef-inbox:" + chefID
}

func DeliveryInboxRoom(partnerID string) string {
	return "delivery-inbox:" + partnerID
}

// RoleRoom is the broad role-wide broadcast channel. Used sparingly.
func RoleRoom(role Role) string {
	return string(role)
}

// RoomsFor returns the full derived room set for an identity.
func RoomsFor(participantID string, role Role) []string {
	rooms := []string{
		ParticipantRoom(participantID),
		RoleRoom(role),
	}
	switch role {
	case RoleChef:
		rooms = append(rooms, ChefInboxRoom(participantID))
	case RoleDeliveryPartner:
		rooms = append(rooms, DeliveryInboxRoom(participantID))
	}
	return rooms
}
