// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package metastore

import (
	"context"
	"regexp"

	"github.com/zeebo/errs"

	"tracdap.io/tracdap/internal/dbutil/dialect"
	"tracdap.io/tracdap/pkg/tracerr"
)

// TenantInfo describes one tenant. The code is immutable once created; only
// the description can change.
type TenantInfo struct {
	Code        string `json:"tenantCode"`
	Description string `json:"description,omitempty"`
}

var tenantCodePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_\-]*$`)

func verifyTenantCode(code string) error {
	if code == "" {
		return tracerr.New(tracerr.Validation, "tenant code is missing")
	}
	if !tenantCodePattern.MatchString(code) {
		return tracerr.New(tracerr.Validation, "invalid tenant code %q", code)
	}
	return nil
}

// ListTenants returns every tenant in code order.
func (db *DB) ListTenants(ctx context.Context) (tenants []TenantInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx,
		`SELECT tenant_code, description FROM tenant ORDER BY tenant_code`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	for rows.Next() {
		var info TenantInfo
		var description *string
		if err := rows.Scan(&info.Code, &description); err != nil {
			return nil, Error.Wrap(err)
		}
		if description != nil {
			info.Description = *description
		}
		tenants = append(tenants, info)
	}
	return tenants, Error.Wrap(rows.Err())
}

// CreateTenant registers a new tenant code.
func (db *DB) CreateTenant(ctx context.Context, info TenantInfo) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := verifyTenantCode(info.Code); err != nil {
		return err
	}

	_, err = db.db.ExecContext(ctx, db.rebind(`
		INSERT INTO tenant (tenant_code, description) VALUES (?, ?)`),
		info.Code, info.Description)
	if err != nil {
		if db.adapter.ErrorCode(err) == dialect.CodeInsertDuplicate {
			return tracerr.New(tracerr.Duplicate, "tenant %q already exists", info.Code)
		}
		return Error.Wrap(err)
	}
	return nil
}

// UpdateTenant replaces the description of an existing tenant.
func (db *DB) UpdateTenant(ctx context.Context, info TenantInfo) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := verifyTenantCode(info.Code); err != nil {
		return err
	}

	result, err := db.db.ExecContext(ctx, db.rebind(`
		UPDATE tenant SET description = ? WHERE tenant_code = ?`),
		info.Description, info.Code)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return tracerr.New(tracerr.NotFound, "tenant %q not found", info.Code)
	}
	return nil
}
