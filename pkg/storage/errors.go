// SPDX-License-Identifier: Apache-2.0

package storage

import "errors"

var (
	// ErrNotFound is returned when a requested row does not exist or
	// belongs to a different tenant.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when a uniqueness constraint would be
	// violated.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrExpired is returned when a row exists but its expiry has passed.
	ErrExpired = errors.New("resource expired")

	// ErrTenantMismatch is returned by the scoped store when a caller
	// addresses a tenant other than the one resolved for the request.
	ErrTenantMismatch = errors.New("cross-tenant access denied")

	// ErrTenantRequired is returned in production when a tenant-scoped
	// operation runs without a resolved tenant.
	ErrTenantRequired = errors.New("tenant context required")
)
