package coordinator

import (
	"github.com/mealmesh/mealmesh/internal/store"
	"github.com/mealmesh/mealmesh/pkg/state"
)

// statusMessage renders the human-readable line carried by every
// order_status_update. It is a pure function of (status, initiating role) so
// emissions stay deterministic; the cancelled text names who pulled the plug.
func statusMessage(status store.Status, initiator state.Role) string {
	if status == store.StatusCancelled {
		switch initiator {
		case state.RoleChef:
			return "Order has been cancelled by the chef"
		case state.RoleCustomer:
			return "Order has been cancelled by the customer"
		default:
			return "Order has been cancelled"
		}
	}

	switch status {
	case store.StatusPending:
		return "Order is waiting for chef confirmation"
	case store.StatusAccepted:
		return "Chef has accepted your order and will start cooking soon"
	case store.StatusPreparing:
		return "Your delicious meal is being prepared with love"
	case store.StatusReady:
		return "Your order is ready! Delivery partner will pick it up soon"
	case store.StatusPickedUp:
		return "Your order is on the way to you"
	case store.StatusDelivered:
		return "Order delivered successfully! Enjoy your meal!"
	default:
		return "Order status updated"
	}
}
