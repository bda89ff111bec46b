// Package authstore is the read-only external agent directory the Listener
// and Agent Registry consult to resolve a login's profile, security level,
// and skill list before a session is started. Grounded on's
// internal/db package (database/sql + lib/pq, context-scoped queries,
// sql.ErrNoRows translation) but narrowed to a single read path: this core
// never writes to the directory, it only authenticates against it.
package authstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/openacd/agentcore/internal/models"
)

// Store wraps a read-only connection pool to the external agent directory.
type Store struct {
	db *sql.DB
}

// Open connects to the directory database, pinging once to fail fast on
// misconfiguration, the same posture as NewDatabase.
func Open(dsn string) (*Store, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open directory db: %w", err)
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping directory db: %w", err)
	}
	return &Store{db: conn}, nil
}

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// ErrNotFound is returned when a login has no directory entry.
var ErrNotFound = fmt.Errorf("agent not found in directory")

// Lookup resolves a login's profile, security level, skills, and bcrypt
// password hash in a single round trip, joining the agent_skills table the
// way GetUser joins quota/groups onto the base row.
func (s *Store) Lookup(ctx context.Context, login string) (models.Agent, string, error) {
	var (
		agent        models.Agent
		passwordHash string
		level        string
	)

	const query = `
		SELECT login, profile, security_level, password_hash, endpoint
		FROM agents
		WHERE login = $1
	`
	err := s.db.QueryRowContext(ctx, query, login).Scan(
		&agent.Login, &agent.Profile, &level, &passwordHash, &agent.Endpoint,
	)
	if err == sql.ErrNoRows {
		return models.Agent{}, "", ErrNotFound
	}
	if err != nil {
		return models.Agent{}, "", fmt.Errorf("lookup agent %q: %w", login, err)
	}
	agent.SecurityLevel = models.SecurityLevel(level)

	skills, err := s.skillsFor(ctx, login)
	if err != nil {
		return models.Agent{}, "", err
	}
	agent.Skills = skills

	return agent, passwordHash, nil
}

func (s *Store) skillsFor(ctx context.Context, login string) ([]models.Skill, error) {
	const query = `
		SELECT atom, value
		FROM agent_skills
		WHERE login = $1
		ORDER BY atom
	`
	rows, err := s.db.QueryContext(ctx, query, login)
	if err != nil {
		return nil, fmt.Errorf("load skills for %q: %w", login, err)
	}
	defer rows.Close()

	var skills []models.Skill
	for rows.Next() {
		var sk models.Skill
		if err := rows.Scan(&sk.Atom, &sk.Value); err != nil {
			return nil, fmt.Errorf("scan skill row: %w", err)
		}
		skills = append(skills, sk)
	}
	return skills, rows.Err()
}
