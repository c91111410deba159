package search

import (
	"context"
	"database/sql"
	"fmt"
)

// PgSource reads index records straight from PostgreSQL for full reindexing.
type PgSource struct {
	db *sql.DB
}

func NewPgSource(db *sql.DB) *PgSource {
	return &PgSource{db: db}
}

// LoadAllRecords returns every request as an index record.
func (p *PgSource) LoadAllRecords(ctx context.Context) ([]RequestRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, client_name, client_email, vehicle_brand, vehicle_model,
			agency_name, dealer_name, promoter_code, status, priority,
			COALESCE(assigned_to_user_id, ''), EXTRACT(EPOCH FROM created_at)::bigint
		FROM authorization_requests
	`)
	if err != nil {
		return nil, fmt.Errorf("load requests: %w", err)
	}
	defer rows.Close()

	records := make([]RequestRecord, 0)
	for rows.Next() {
		var r RequestRecord
		if err := rows.Scan(&r.ID, &r.ClientName, &r.ClientEmail, &r.VehicleBrand, &r.VehicleModel,
			&r.AgencyName, &r.DealerName, &r.PromoterCode, &r.Status, &r.Priority, &r.AssignedTo, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan request record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate request records: %w", err)
	}
	return records, nil
}
