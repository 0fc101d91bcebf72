package lifecycle

import (
	"slices"

	"github.com/example/roadside-assist/internal/models"
)

// StatusInfo is the presentation metadata for one status.
type StatusInfo struct {
	Status   models.Status   `json:"status"`
	Label    string          `json:"label"`
	Color    string          `json:"color"`
	Next     []models.Status `json:"next"`
	Terminal bool            `json:"terminal"`
}

type guard struct {
	from, to models.Status
	roles    []models.Role
}

// guards lists every edge outside of cancellation. Completion is driven by
// the provider's receipt confirmation once the customer has confirmed.
var guards = []guard{
	{models.StatusPending, models.StatusAssigned, []models.Role{models.RoleAdmin, models.RoleSystem}},
	{models.StatusAssigned, models.StatusPending, []models.Role{models.RoleProvider}},
	{models.StatusAssigned, models.StatusQuoted, []models.Role{models.RoleProvider}},
	{models.StatusAssigned, models.StatusDenied, []models.Role{models.RoleAdmin}},
	{models.StatusQuoted, models.StatusAwaitingPayment, []models.Role{models.RoleCustomer}},
	{models.StatusAwaitingPayment, models.StatusPaid, []models.Role{models.RoleSystem}},
	{models.StatusPaid, models.StatusEnRoute, []models.Role{models.RoleProvider}},
	{models.StatusAccepted, models.StatusEnRoute, []models.Role{models.RoleProvider}},
	{models.StatusEnRoute, models.StatusInProgress, []models.Role{models.RoleProvider}},
	{models.StatusInProgress, models.StatusAwaitingConfirmation, []models.Role{models.RoleProvider}},
	{models.StatusAwaitingConfirmation, models.StatusCompleted, []models.Role{models.RoleProvider}},
}

var cancelRoles = []models.Role{models.RoleCustomer, models.RoleAdmin}

var statusOrder = []models.Status{
	models.StatusPending,
	models.StatusAssigned,
	models.StatusQuoted,
	models.StatusAwaitingPayment,
	models.StatusPaid,
	models.StatusAccepted,
	models.StatusEnRoute,
	models.StatusInProgress,
	models.StatusAwaitingConfirmation,
	models.StatusCompleted,
	models.StatusCancelled,
	models.StatusDenied,
}

var statusTable = buildStatusTable()

func buildStatusTable() map[models.Status]StatusInfo {
	meta := map[models.Status]struct{ label, color string }{
		models.StatusPending:              {"Pending", "#f59e0b"},
		models.StatusAssigned:             {"Provider assigned", "#3b82f6"},
		models.StatusQuoted:               {"Quote received", "#6366f1"},
		models.StatusAwaitingPayment:      {"Awaiting payment", "#f97316"},
		models.StatusPaid:                 {"Paid", "#10b981"},
		models.StatusAccepted:             {"Accepted", "#10b981"},
		models.StatusEnRoute:              {"Provider en route", "#0ea5e9"},
		models.StatusInProgress:           {"In progress", "#8b5cf6"},
		models.StatusAwaitingConfirmation: {"Awaiting confirmation", "#eab308"},
		models.StatusCompleted:            {"Completed", "#22c55e"},
		models.StatusCancelled:            {"Cancelled", "#6b7280"},
		models.StatusDenied:               {"Denied", "#ef4444"},
	}
	terminal := map[models.Status]bool{
		models.StatusCompleted: true,
		models.StatusCancelled: true,
		models.StatusDenied:    true,
	}
	out := make(map[models.Status]StatusInfo, len(statusOrder))
	for _, s := range statusOrder {
		info := StatusInfo{Status: s, Label: meta[s].label, Color: meta[s].color, Terminal: terminal[s], Next: []models.Status{}}
		for _, g := range guards {
			if g.from == s {
				info.Next = append(info.Next, g.to)
			}
		}
		if !info.Terminal {
			info.Next = append(info.Next, models.StatusCancelled)
		}
		out[s] = info
	}
	return out
}

// Describe returns the metadata for s.
func Describe(s models.Status) (StatusInfo, bool) {
	info, ok := statusTable[s]
	if !ok {
		return StatusInfo{}, false
	}
	info.Next = slices.Clone(info.Next)
	return info, true
}

// Statuses returns the metadata for every status in lifecycle order.
func Statuses() []StatusInfo {
	out := make([]StatusInfo, 0, len(statusOrder))
	for _, s := range statusOrder {
		info, _ := Describe(s)
		out = append(out, info)
	}
	return out
}

func IsTerminal(s models.Status) bool {
	return statusTable[s].Terminal
}

// Allowed reports whether from -> to is an edge of the state machine.
func Allowed(from, to models.Status) bool {
	info, ok := statusTable[from]
	return ok && slices.Contains(info.Next, to)
}

func rolesFor(from, to models.Status) []models.Role {
	if to == models.StatusCancelled {
		if IsTerminal(from) {
			return nil
		}
		return cancelRoles
	}
	for _, g := range guards {
		if g.from == from && g.to == to {
			return g.roles
		}
	}
	return nil
}
