// README: Driver assignment errors and the random candidate draw.
package matching

import (
	"errors"
	"math/rand/v2"

	"orderflow/internal/types"
)

var (
	ErrRestaurantNotFound = errors.New("restaurant not found")
	ErrNotOwner           = errors.New("restaurant not owned by caller")
	ErrNotDriver          = errors.New("user is not a driver")
)

// PickRandomDrivers returns up to n distinct drivers drawn uniformly from pool.
// The pool is not modified.
func PickRandomDrivers(pool []types.ID, n int) []types.ID {
	if n <= 0 || len(pool) == 0 {
		return nil
	}
	if n > len(pool) {
		n = len(pool)
	}
	perm := rand.Perm(len(pool))
	out := make([]types.ID, n)
	for i := 0; i < n; i++ {
		out[i] = pool[perm[i]]
	}
	return out
}
