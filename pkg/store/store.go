// Package store is the Postgres catalog backing the engine: filler clips
// and agent profiles. Runtime call state never touches the database.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver for goose
	"github.com/pressly/goose/v3"

	"github.com/voxlane/callcore/pkg/core/hedge"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound marks a lookup miss, such as an unknown agent id.
var ErrNotFound = errors.New("store: not found")

// AgentProfile configures one answering agent.
type AgentProfile struct {
	ID                string
	DisplayName       string
	SystemInstruction string
	KnowledgeDocs     []string

	// GreetingPolicy is "speak_first" or "wait_for_human".
	GreetingPolicy string

	// GreetingPrompt is the turn prompt sent upstream when the agent
	// speaks first.
	GreetingPrompt string

	Language string
	Voice    string
}

// Catalog serves the data a call needs at setup time. Both the Postgres
// store and the in-memory seed implement it.
type Catalog interface {
	FillerClips(ctx context.Context) ([]hedge.Clip, error)
	AgentProfile(ctx context.Context, agentID string) (AgentProfile, error)
}

// Store reads the catalog from Postgres.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects and pings. The pool is sized by pgx defaults; catalog reads
// are rare (call setup only).
func Open(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store open: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store ping: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Migrate applies the embedded goose migrations. It opens its own
// database/sql connection since goose does not speak pgx native.
func Migrate(ctx context.Context, databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("store migrate open: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("store migrate dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("store migrate up: %w", err)
	}
	return nil
}

// FillerClips loads the entire filler catalog. Called once at startup.
func (s *Store) FillerClips(ctx context.Context) ([]hedge.Clip, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, audio, sample_rate, duration_ms, languages, principles, profiles
		FROM filler_clips
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store filler clips: %w", err)
	}
	defer rows.Close()

	var clips []hedge.Clip
	for rows.Next() {
		var clip hedge.Clip
		var durationMS int64
		if err := rows.Scan(&clip.ID, &clip.Name, &clip.Audio, &clip.SampleRate,
			&durationMS, &clip.Languages, &clip.Principles, &clip.Profiles); err != nil {
			return nil, fmt.Errorf("store filler clips scan: %w", err)
		}
		if durationMS > 0 {
			clip.Duration = time.Duration(durationMS) * time.Millisecond
		}
		clips = append(clips, clip)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store filler clips rows: %w", err)
	}
	s.logger.Info("filler catalog loaded", "clips", len(clips))
	return clips, nil
}

// AgentProfile loads one agent's configuration.
func (s *Store) AgentProfile(ctx context.Context, agentID string) (AgentProfile, error) {
	var p AgentProfile
	err := s.pool.QueryRow(ctx, `
		SELECT id, display_name, system_instruction, knowledge_docs,
		       greeting_policy, greeting_prompt, language, voice
		FROM agent_profiles
		WHERE id = $1`, agentID).
		Scan(&p.ID, &p.DisplayName, &p.SystemInstruction, &p.KnowledgeDocs,
			&p.GreetingPolicy, &p.GreetingPrompt, &p.Language, &p.Voice)
	if errors.Is(err, pgx.ErrNoRows) {
		return AgentProfile{}, fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return AgentProfile{}, fmt.Errorf("store agent profile: %w", err)
	}
	return p, nil
}
