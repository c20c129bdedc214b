package database

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// schema creates every table the service uses. available can never go
// negative at the database level, which backs up the version check.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
		email         VARCHAR(255) NOT NULL UNIQUE,
		password_hash VARCHAR(255) NOT NULL,
		role          VARCHAR(16)  NOT NULL DEFAULT 'CUSTOMER',
		is_active     TINYINT(1)   NOT NULL DEFAULT 1,
		created_at    DATETIME(6)  NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		updated_at    DATETIME(6)  NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS refresh_tokens (
		id         BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
		user_id    BIGINT UNSIGNED NOT NULL,
		token_hash CHAR(64)        NOT NULL UNIQUE,
		expires_at DATETIME(6)     NOT NULL,
		revoked_at DATETIME(6)     NULL,
		created_at DATETIME(6)     NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		KEY idx_refresh_user (user_id),
		CONSTRAINT fk_refresh_user FOREIGN KEY (user_id) REFERENCES users (id) ON DELETE CASCADE
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS product_stock (
		product_id BIGINT UNSIGNED PRIMARY KEY,
		sku        VARCHAR(64)     NOT NULL,
		available  BIGINT          NOT NULL,
		is_active  TINYINT(1)      NOT NULL DEFAULT 1,
		version    BIGINT UNSIGNED NOT NULL DEFAULT 1,
		updated_at DATETIME(6)     NOT NULL,
		UNIQUE KEY uq_stock_sku (sku),
		CONSTRAINT chk_stock_available CHECK (available >= 0)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS stock_reservations (
		id             CHAR(36)        NOT NULL PRIMARY KEY,
		group_id       CHAR(36)        NOT NULL,
		product_id     BIGINT UNSIGNED NOT NULL,
		customer_id    BIGINT UNSIGNED NOT NULL,
		order_id       VARCHAR(64)     NULL,
		external_ref   VARCHAR(128)    NULL,
		quantity       BIGINT          NOT NULL,
		status         ENUM('PENDING','CONFIRMED','RELEASED','EXPIRED') NOT NULL,
		created_at     DATETIME(6)     NOT NULL,
		expires_at     DATETIME(6)     NOT NULL,
		confirmed_at   DATETIME(6)     NULL,
		released_at    DATETIME(6)     NULL,
		release_reason VARCHAR(255)    NULL,
		is_deleted     TINYINT(1)      NOT NULL DEFAULT 0,
		deleted_at     DATETIME(6)     NULL,
		deleted_by     BIGINT UNSIGNED NULL,
		deleted_reason VARCHAR(255)    NULL,
		restore_pending TINYINT(1)     NOT NULL DEFAULT 0,
		version        BIGINT UNSIGNED NOT NULL DEFAULT 1,
		KEY idx_res_sweep (status, is_deleted, expires_at, id),
		KEY idx_res_group (group_id),
		KEY idx_res_restore (restore_pending, id),
		KEY idx_res_customer (customer_id, created_at),
		CONSTRAINT chk_res_quantity CHECK (quantity > 0),
		CONSTRAINT fk_res_product FOREIGN KEY (product_id) REFERENCES product_stock (product_id)
	) ENGINE=InnoDB`,
}

// Migrate creates missing tables. Existing tables are left untouched.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "migrate")
		}
	}
	return nil
}
