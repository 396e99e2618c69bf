package database

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
)

// schemaStatements define el esquema completo. Cada sentencia es idempotente
// para que EnsureSchema pueda correr en cada arranque.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INT AUTO_INCREMENT PRIMARY KEY,
		username VARCHAR(64) NOT NULL UNIQUE,
		password_hash VARCHAR(128) NOT NULL,
		full_name VARCHAR(128) NOT NULL DEFAULT '',
		role VARCHAR(16) NOT NULL DEFAULT 'agent',
		active TINYINT(1) NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS campaigns (
		id INT AUTO_INCREMENT PRIMARY KEY,
		name VARCHAR(128) NOT NULL,
		description TEXT,
		mode VARCHAR(16) NOT NULL DEFAULT 'manual',
		status VARCHAR(16) NOT NULL DEFAULT 'draft',
		max_attempts INT NOT NULL DEFAULT 3,
		retry_delay_minutes INT NOT NULL DEFAULT 60,
		predictive_ratio DECIMAL(3,2) NOT NULL DEFAULT 1.20,
		turbo_delay_seconds INT NOT NULL DEFAULT 5,
		daily_start_time VARCHAR(5) NULL,
		daily_end_time VARCHAR(5) NULL,
		timezone VARCHAR(64) NOT NULL DEFAULT 'UTC',
		start_date DATETIME NULL,
		end_date DATETIME NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		INDEX idx_campaigns_status (status)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS leads (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		campaign_id INT NOT NULL,
		phone_number VARCHAR(32) NOT NULL,
		first_name VARCHAR(64) NOT NULL DEFAULT '',
		last_name VARCHAR(64) NOT NULL DEFAULT '',
		email VARCHAR(128) NOT NULL DEFAULT '',
		company VARCHAR(128) NOT NULL DEFAULT '',
		status VARCHAR(16) NOT NULL DEFAULT 'new',
		priority INT NOT NULL DEFAULT 1,
		next_contact_date DATETIME NULL,
		last_contacted DATETIME NULL,
		custom_fields TEXT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		INDEX idx_leads_selection (campaign_id, status, priority),
		INDEX idx_leads_phone (phone_number)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS calls (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		campaign_id INT NOT NULL,
		lead_id BIGINT NOT NULL,
		agent_id INT NOT NULL,
		phone_number VARCHAR(32) NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'initiated',
		channel VARCHAR(128) NULL,
		started_at DATETIME NOT NULL,
		answered_at DATETIME NULL,
		ended_at DATETIME NULL,
		duration INT NULL,
		notes TEXT NULL,
		disposition_code VARCHAR(32) NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_calls_lead (lead_id, started_at),
		INDEX idx_calls_campaign_started (campaign_id, started_at),
		INDEX idx_calls_status (status)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS call_events (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		call_id BIGINT NOT NULL,
		event_type VARCHAR(32) NOT NULL,
		event_data TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_call_events_call (call_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS campaign_assignments (
		id INT AUTO_INCREMENT PRIMARY KEY,
		campaign_id INT NOT NULL,
		agent_id INT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE KEY uniq_campaign_agent (campaign_id, agent_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS sip_configurations (
		id INT AUTO_INCREMENT PRIMARY KEY,
		name VARCHAR(64) NOT NULL,
		host VARCHAR(128) NOT NULL,
		port INT NOT NULL DEFAULT 5038,
		username VARCHAR(64) NOT NULL,
		secret_encrypted VARCHAR(512) NOT NULL,
		context VARCHAR(64) NOT NULL DEFAULT 'default',
		peer_username VARCHAR(64) NOT NULL DEFAULT '',
		active TINYINT(1) NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// EnsureSchema crea las tablas que falten. Corre en cada arranque.
func EnsureSchema(db *sql.DB) error {
	log.Printf("[DB] Verificando esquema (%d tablas)", len(schemaStatements))

	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			// Tolerar condiciones de carrera entre procesos que arrancan a la vez
			if strings.Contains(err.Error(), "already exists") ||
				strings.Contains(err.Error(), "Duplicate column") {
				continue
			}
			return fmt.Errorf("error ejecutando DDL: %w", err)
		}
	}
	return nil
}
