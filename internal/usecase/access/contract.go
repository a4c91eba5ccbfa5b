package access

import (
	"context"

	"github.com/kailas-cloud/amcat/internal/domain/role"
)

// RoleReader reads stored role assignments. An absent assignment is role.None.
type RoleReader interface {
	Level(ctx context.Context, index, subject string) (role.Level, error)
}
