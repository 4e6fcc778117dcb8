package tax

import "github.com/dukerupert/skuld/internal/domain"

// Tax calculation errors.
var (
	ErrInvalidRate = domain.Errorf(domain.EINVALID, "", "Tax rate must be in [0, 1)")
)
