package storage

import (
	"context"
	"database/sql"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
)

// Schema is the MySQL DDL the adapters in this package expect.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id             VARCHAR(64)  NOT NULL PRIMARY KEY,
		stock_quantity INT          NOT NULL DEFAULT 0,
		location       VARCHAR(128) NOT NULL DEFAULT '',
		created_at     DATETIME(6)  NOT NULL,
		updated_at     DATETIME(6)  NOT NULL,
		CONSTRAINT chk_products_stock CHECK (stock_quantity >= 0)
	) ENGINE=InnoDB`,

	`CREATE TABLE IF NOT EXISTS stock_log (
		seq        BIGINT       NOT NULL AUTO_INCREMENT PRIMARY KEY,
		id         CHAR(36)     NOT NULL,
		product_id VARCHAR(64)  NOT NULL,
		order_id   VARCHAR(191) NULL,
		type       VARCHAR(16)  NOT NULL,
		quantity   INT          NOT NULL,
		old_stock  INT          NOT NULL,
		new_stock  INT          NOT NULL,
		reason     VARCHAR(255) NOT NULL DEFAULT '',
		reference  VARCHAR(128) NOT NULL DEFAULT '',
		created_by VARCHAR(128) NOT NULL DEFAULT '',
		created_at DATETIME(6)  NOT NULL,
		UNIQUE KEY uq_stock_log_id (id),
		UNIQUE KEY uq_stock_log_order (product_id, order_id, quantity),
		KEY idx_stock_log_product (product_id, seq)
	) ENGINE=InnoDB`,

	`CREATE TABLE IF NOT EXISTS stock_locks (
		product_id VARCHAR(191) NOT NULL PRIMARY KEY,
		locked_by  VARCHAR(128) NOT NULL,
		expires_at DATETIME(6)  NOT NULL,
		KEY idx_stock_locks_expiry (expires_at)
	) ENGINE=InnoDB`,

	`CREATE TABLE IF NOT EXISTS idempotency (
		idem_key   VARCHAR(255) NOT NULL PRIMARY KEY,
		result     MEDIUMBLOB   NULL,
		expires_at DATETIME(6)  NOT NULL,
		created_at DATETIME(6)  NOT NULL,
		KEY idx_idempotency_expiry (expires_at)
	) ENGINE=InnoDB`,

	`CREATE TABLE IF NOT EXISTS audit_logs (
		id          BIGINT       NOT NULL AUTO_INCREMENT PRIMARY KEY,
		user_id     VARCHAR(128) NOT NULL DEFAULT '',
		action      VARCHAR(64)  NOT NULL,
		resource    VARCHAR(64)  NOT NULL,
		resource_id VARCHAR(191) NOT NULL,
		details     JSON         NULL,
		ip_address  VARCHAR(64)  NOT NULL DEFAULT '',
		success     BOOLEAN      NOT NULL,
		error_code  VARCHAR(32)  NOT NULL DEFAULT '',
		created_at  DATETIME(6)  NOT NULL,
		KEY idx_audit_resource (resource, resource_id, created_at)
	) ENGINE=InnoDB`,

	`CREATE TABLE IF NOT EXISTS orders (
		id                   BIGINT       NOT NULL AUTO_INCREMENT PRIMARY KEY,
		marketplace          VARCHAR(32)  NOT NULL,
		marketplace_order_id VARCHAR(128) NOT NULL,
		status               VARCHAR(16)  NOT NULL,
		order_date           DATETIME(6)  NULL,
		items                JSON         NOT NULL,
		stock_debited        BOOLEAN      NOT NULL DEFAULT FALSE,
		stock_credited       BOOLEAN      NOT NULL DEFAULT FALSE,
		booked               JSON         NULL,
		created_at           DATETIME(6)  NOT NULL,
		updated_at           DATETIME(6)  NOT NULL,
		UNIQUE KEY uq_orders_marketplace (marketplace, marketplace_order_id)
	) ENGINE=InnoDB`,

	`CREATE TABLE IF NOT EXISTS product_mappings (
		id          BIGINT       NOT NULL AUTO_INCREMENT PRIMARY KEY,
		marketplace VARCHAR(32)  NOT NULL,
		sku         VARCHAR(128) NOT NULL,
		product_id  VARCHAR(64)  NOT NULL,
		created_at  DATETIME(6)  NOT NULL,
		updated_at  DATETIME(6)  NOT NULL,
		UNIQUE KEY uq_mapping_sku (marketplace, sku)
	) ENGINE=InnoDB`,
}

// upgrades bring tables created by an older Schema up to date. Each one can
// run any number of times.
var upgrades = []string{
	`ALTER TABLE stock_log MODIFY order_id VARCHAR(191) NULL`,
	`ALTER TABLE idempotency MODIFY idem_key VARCHAR(255) NOT NULL`,
	`ALTER TABLE orders ADD COLUMN booked JSON NULL AFTER stock_credited`,
}

const mysqlDuplicateColumn = 1060

// Migrate creates any missing table and applies upgrades. It is safe to run on
// every start.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "migrate")
		}
	}
	for _, stmt := range upgrades {
		_, err := db.ExecContext(ctx, stmt)
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == mysqlDuplicateColumn {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "upgrade schema")
		}
	}
	return nil
}
