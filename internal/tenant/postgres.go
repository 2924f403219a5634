package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the tenants table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS tenants (
    id                TEXT PRIMARY KEY,
    dialed_number     TEXT NOT NULL,
    business_name     TEXT NOT NULL DEFAULT '',
    agent_name        TEXT NOT NULL DEFAULT '',
    greeting          TEXT NOT NULL,
    persona           TEXT NOT NULL DEFAULT '',
    escalation_number TEXT NOT NULL DEFAULT '',
    voice             JSONB NOT NULL DEFAULT '{}',
    secondary_voice   JSONB NOT NULL DEFAULT '{}',
    lead_questions    JSONB NOT NULL DEFAULT '[]',
    prompts           JSONB NOT NULL DEFAULT '{}',
    phone_book        JSONB NOT NULL DEFAULT '[]',
    project           JSONB NOT NULL DEFAULT '{}',
    flags             JSONB NOT NULL DEFAULT '{}',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tenants_dialed_number ON tenants(dialed_number);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by PostgreSQL. Structured sub-fields
// (voice, questions, prompts) are serialised as JSONB.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store over the given connection or pool. Call
// [PostgresStore.Migrate] before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL, creating the tenants table and its
// unique dialed-number index if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("tenant: migrate: %w", err)
	}
	return nil
}

const selectColumns = `
	id, dialed_number, business_name, agent_name, greeting, persona,
	escalation_number, voice, secondary_voice, lead_questions, prompts,
	phone_book, project, flags`

// ResolveTenant implements [Store] by unique dialed-number lookup.
func (s *PostgresStore) ResolveTenant(ctx context.Context, dialedNumber string) (*TenantContext, error) {
	const query = `SELECT` + selectColumns + `
		FROM tenants
		WHERE dialed_number = $1`

	t, err := scanTenant(s.db.QueryRow(ctx, query, dialedNumber))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUnknownNumber
		}
		return nil, fmt.Errorf("tenant: resolve %q: %w", dialedNumber, err)
	}
	t.Normalize()
	return t, nil
}

// Upsert creates or replaces a tenant record, validating it first. Used by
// provisioning tooling and tests.
func (s *PostgresStore) Upsert(ctx context.Context, t *TenantContext) error {
	if err := t.Validate(); err != nil {
		return err
	}

	voiceJSON, err := json.Marshal(t.Voice)
	if err != nil {
		return fmt.Errorf("tenant: marshal voice: %w", err)
	}
	secondaryJSON, err := json.Marshal(t.SecondaryVoice)
	if err != nil {
		return fmt.Errorf("tenant: marshal secondary_voice: %w", err)
	}
	questionsJSON, err := json.Marshal(emptySlice(t.LeadQuestions))
	if err != nil {
		return fmt.Errorf("tenant: marshal lead_questions: %w", err)
	}
	promptsJSON, err := json.Marshal(t.Prompts)
	if err != nil {
		return fmt.Errorf("tenant: marshal prompts: %w", err)
	}
	phoneBookJSON, err := json.Marshal(emptySlice(t.PhoneBook))
	if err != nil {
		return fmt.Errorf("tenant: marshal phone_book: %w", err)
	}
	projectJSON, err := json.Marshal(t.Project)
	if err != nil {
		return fmt.Errorf("tenant: marshal project: %w", err)
	}
	flagsJSON, err := json.Marshal(emptyMap(t.Flags))
	if err != nil {
		return fmt.Errorf("tenant: marshal flags: %w", err)
	}

	const query = `
		INSERT INTO tenants (
			id, dialed_number, business_name, agent_name, greeting, persona,
			escalation_number, voice, secondary_voice, lead_questions,
			prompts, phone_book, project, flags
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
			dialed_number = EXCLUDED.dialed_number,
			business_name = EXCLUDED.business_name,
			agent_name = EXCLUDED.agent_name,
			greeting = EXCLUDED.greeting,
			persona = EXCLUDED.persona,
			escalation_number = EXCLUDED.escalation_number,
			voice = EXCLUDED.voice,
			secondary_voice = EXCLUDED.secondary_voice,
			lead_questions = EXCLUDED.lead_questions,
			prompts = EXCLUDED.prompts,
			phone_book = EXCLUDED.phone_book,
			project = EXCLUDED.project,
			flags = EXCLUDED.flags,
			updated_at = now()`

	_, err = s.db.Exec(ctx, query,
		t.ID, t.DialedNumber, t.BusinessName, t.AgentName, t.Greeting, t.Persona,
		t.EscalationNumber, voiceJSON, secondaryJSON, questionsJSON,
		promptsJSON, phoneBookJSON, projectJSON, flagsJSON,
	)
	if err != nil {
		return fmt.Errorf("tenant: upsert %q: %w", t.ID, err)
	}
	return nil
}

// List returns every tenant, ordered by business name. Provisioning helper;
// the call path only ever resolves single numbers.
func (s *PostgresStore) List(ctx context.Context) ([]TenantContext, error) {
	const query = `SELECT` + selectColumns + `
		FROM tenants
		ORDER BY business_name`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("tenant: list: %w", err)
	}
	defer rows.Close()

	var out []TenantContext
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("tenant: list scan: %w", err)
		}
		t.Normalize()
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tenant: list: %w", err)
	}
	return out, nil
}

// scanTenant reads one tenants row, decoding the JSONB sub-fields.
func scanTenant(row pgx.Row) (*TenantContext, error) {
	var t TenantContext
	var voiceJSON, secondaryJSON, questionsJSON, promptsJSON, phoneBookJSON, projectJSON, flagsJSON []byte

	if err := row.Scan(
		&t.ID, &t.DialedNumber, &t.BusinessName, &t.AgentName, &t.Greeting, &t.Persona,
		&t.EscalationNumber, &voiceJSON, &secondaryJSON, &questionsJSON, &promptsJSON,
		&phoneBookJSON, &projectJSON, &flagsJSON,
	); err != nil {
		return nil, err
	}

	for _, f := range []struct {
		name string
		raw  []byte
		dst  any
	}{
		{"voice", voiceJSON, &t.Voice},
		{"secondary_voice", secondaryJSON, &t.SecondaryVoice},
		{"lead_questions", questionsJSON, &t.LeadQuestions},
		{"prompts", promptsJSON, &t.Prompts},
		{"phone_book", phoneBookJSON, &t.PhoneBook},
		{"project", projectJSON, &t.Project},
		{"flags", flagsJSON, &t.Flags},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", f.name, err)
		}
	}
	return &t, nil
}

// emptySlice substitutes an empty slice for nil so JSONB columns store []
// rather than null.
func emptySlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// emptyMap substitutes an empty map for nil so JSONB columns store {}
// rather than null.
func emptyMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return map[K]V{}
	}
	return m
}
