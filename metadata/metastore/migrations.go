// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package metastore

import (
	"tracdap.io/tracdap/internal/migrate"
)

// Migration returns the schema steps for the active dialect. The DDL is
// shared across backends except for the fragments the adapter supplies.
func (db *DB) Migration() *migrate.Migration {
	autoPK := db.adapter.AutoIncrementPK()
	timestamp := db.adapter.TimestampType()
	blob := db.adapter.BlobType()

	return &migrate.Migration{
		Table:  "schema_versions",
		Rebind: db.adapter.Rebind,
		Steps: []*migrate.Step{
			{
				Version:     1,
				Description: "initial metadata schema",
				Action: migrate.SQL{
					`CREATE TABLE tenant (
						tenant_pk   ` + autoPK + `,
						tenant_code VARCHAR(64)   NOT NULL,
						description VARCHAR(4096),
						UNIQUE (tenant_code)
					)`,
					`CREATE TABLE object_id (
						object_pk   ` + autoPK + `,
						tenant_fk   BIGINT       NOT NULL,
						object_type VARCHAR(32)  NOT NULL,
						object_id   VARCHAR(36)  NOT NULL,
						UNIQUE (tenant_fk, object_id),
						FOREIGN KEY (tenant_fk) REFERENCES tenant (tenant_pk)
					)`,
					`CREATE TABLE object_version (
						version_pk       ` + autoPK + `,
						tenant_fk        BIGINT      NOT NULL,
						object_fk        BIGINT      NOT NULL,
						object_version   INTEGER     NOT NULL,
						object_timestamp ` + timestamp + ` NOT NULL,
						definition       ` + blob + `,
						object_is_latest BOOLEAN     NOT NULL,
						UNIQUE (tenant_fk, object_fk, object_version),
						FOREIGN KEY (object_fk) REFERENCES object_id (object_pk)
					)`,
					`CREATE TABLE tag_version (
						tag_pk        ` + autoPK + `,
						tenant_fk     BIGINT      NOT NULL,
						version_fk    BIGINT      NOT NULL,
						tag_version   INTEGER     NOT NULL,
						tag_timestamp ` + timestamp + ` NOT NULL,
						tag_is_latest BOOLEAN     NOT NULL,
						UNIQUE (tenant_fk, version_fk, tag_version),
						FOREIGN KEY (version_fk) REFERENCES object_version (version_pk)
					)`,
					`CREATE TABLE tag_attr (
						attr_pk        ` + autoPK + `,
						tenant_fk      BIGINT       NOT NULL,
						tag_fk         BIGINT       NOT NULL,
						attr_name      VARCHAR(256) NOT NULL,
						attr_type      VARCHAR(16)  NOT NULL,
						attr_index     INTEGER      NOT NULL,
						value_boolean  BOOLEAN,
						value_integer  BIGINT,
						value_float    DOUBLE PRECISION,
						value_decimal  VARCHAR(80),
						value_string   VARCHAR(4096),
						value_date     VARCHAR(10),
						value_datetime ` + timestamp + `,
						value_json     TEXT,
						UNIQUE (tenant_fk, tag_fk, attr_name, attr_index),
						FOREIGN KEY (tag_fk) REFERENCES tag_version (tag_pk)
					)`,
				},
			},
			{
				Version:     2,
				Description: "indexes for latest pointer lookups",
				Action: migrate.SQL{
					`CREATE INDEX ix_object_version_object ON object_version (tenant_fk, object_fk, object_is_latest)`,
					`CREATE INDEX ix_tag_version_version ON tag_version (tenant_fk, version_fk, tag_is_latest)`,
					`CREATE INDEX ix_tag_attr_tag ON tag_attr (tenant_fk, tag_fk)`,
				},
			},
		},
	}
}
