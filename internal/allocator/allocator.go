package allocator

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fleet-orchestrator/internal/models"
	"fleet-orchestrator/internal/services"
)

// ReservationTx is the view of fleet state inside the serialized
// reservation critical section. Implementations must guarantee that no two
// reservations observe the same state concurrently.
type ReservationTx interface {
	ActiveServers() ([]models.Server, error)
	TenantCount(serverID uuid.UUID) (int, error)
	UsedPorts(serverID uuid.UUID) ([]int, error)
	Assign(customerID, serverID uuid.UUID, port int) error
	Unassign(customerID uuid.UUID) error
}

// Backend runs reservation work inside the critical section
type Backend interface {
	Reserve(ctx context.Context, fn func(tx ReservationTx) error) error
}

// Allocation is the result of a successful server and port reservation
type Allocation struct {
	ServerID uuid.UUID
	Server   *models.Server
	Port     int
}

// Allocator assigns servers and ports to customers. All mutation goes
// through the backend's critical section, so a (server, port) pair can
// never be handed to two customers.
type Allocator struct {
	backend Backend
	log     *logrus.Entry
}

// New creates a new allocator
func New(backend Backend) *Allocator {
	return &Allocator{
		backend: backend,
		log:     logrus.WithField("component", "allocator"),
	}
}

// Allocate reserves a server and the lowest free port on it for the
// customer. Servers are tried least-loaded first so the fleet fills
// evenly. Fails with NoCapacityError when no active server has headroom
// and a free port.
func (a *Allocator) Allocate(ctx context.Context, customer *models.Customer) (*Allocation, error) {
	var allocation *Allocation

	err := a.backend.Reserve(ctx, func(tx ReservationTx) error {
		servers, err := tx.ActiveServers()
		if err != nil {
			return fmt.Errorf("failed to list active servers: %w", err)
		}

		type candidate struct {
			server   models.Server
			headroom int
		}
		candidates := make([]candidate, 0, len(servers))
		for _, server := range servers {
			count, err := tx.TenantCount(server.ID)
			if err != nil {
				return fmt.Errorf("failed to count tenants on %s: %w", server.Name, err)
			}
			headroom := server.MaxTenants - count
			if headroom <= 0 {
				continue
			}
			candidates = append(candidates, candidate{server: server, headroom: headroom})
		}

		// Least-loaded first; name as a stable tie-break
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].headroom != candidates[j].headroom {
				return candidates[i].headroom > candidates[j].headroom
			}
			return candidates[i].server.Name < candidates[j].server.Name
		})

		for _, cand := range candidates {
			used, err := tx.UsedPorts(cand.server.ID)
			if err != nil {
				return fmt.Errorf("failed to list used ports on %s: %w", cand.server.Name, err)
			}

			port, ok := LowestFreePort(cand.server.PortRangeMin, cand.server.PortRangeMax, used)
			if !ok {
				continue
			}

			if err := tx.Assign(customer.ID, cand.server.ID, port); err != nil {
				return fmt.Errorf("failed to assign %s:%d: %w", cand.server.Name, port, err)
			}

			server := cand.server
			allocation = &Allocation{ServerID: server.ID, Server: &server, Port: port}
			return nil
		}

		return services.NewNoCapacityError(customer.Platform,
			"no active server has a free port in range")
	})
	if err != nil {
		return nil, err
	}

	a.log.WithFields(logrus.Fields{
		"customer_id": customer.ID,
		"server_id":   allocation.ServerID,
		"port":        allocation.Port,
	}).Info("Allocated server and port")

	return allocation, nil
}

// Release returns the customer's port to the free pool. Idempotent:
// releasing an unassigned customer is a no-op.
func (a *Allocator) Release(ctx context.Context, customer *models.Customer) error {
	err := a.backend.Reserve(ctx, func(tx ReservationTx) error {
		return tx.Unassign(customer.ID)
	})
	if err != nil {
		return fmt.Errorf("failed to release allocation: %w", err)
	}

	a.log.WithField("customer_id", customer.ID).Info("Released allocation")
	return nil
}

// LowestFreePort scans [min, max] for the lowest port not in used.
// Returns false when the range is exhausted.
func LowestFreePort(min, max int, used []int) (int, bool) {
	taken := make(map[int]struct{}, len(used))
	for _, p := range used {
		taken[p] = struct{}{}
	}

	for port := min; port <= max; port++ {
		if _, ok := taken[port]; !ok {
			return port, true
		}
	}

	return 0, false
}
