package domain

import "time"

// Identity is a tenant-scoped principal. The trust core never resolves
// tenants itself; the enclosing layer supplies the tenant id on every call.
type Identity struct {
	ID        string
	TenantID  string
	CreatedAt time.Time
	UpdatedAt time.Time
}
