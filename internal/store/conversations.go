package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Conversation is one recorded customer interaction tracked for archival.
// Agent, Skill, and Outcome are descriptive only; the pipeline never reads them.
type Conversation struct {
	ConversationID string
	StartedAt      *time.Time
	EndedAt        time.Time
	Agent          string
	Skill          string
	Outcome        string
	Posted         bool
	PostedAt       *time.Time
}

// Window bounds the eligibility query by conversation end time.
type Window struct {
	Start time.Time
	End   time.Time
}

// DayWindow returns the window covering the full UTC day containing t.
func DayWindow(t time.Time) Window {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return Window{
		Start: start,
		End:   start.Add(24*time.Hour - time.Millisecond),
	}
}

// timeLayout is fixed-width (always three fractional digits, always UTC) so
// the string comparisons in Eligible and PostedCountSince order the same way
// the underlying times do.
const timeLayout = "2006-01-02T15:04:05.000Z"

// Insert stores a conversation record. Ingestion lives upstream; this exists
// for backfills and tests.
func (s *Store) Insert(ctx context.Context, conv Conversation) error {
	if conv.ConversationID == "" {
		return errors.New("conversation id is required")
	}
	if conv.EndedAt.IsZero() {
		return errors.New("conversation end time is required")
	}
	_, err := s.execWithRetry(ctx,
		`INSERT INTO conversations (
            conversation_id, started_at, ended_at, agent, skill, outcome, posted, posted_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ConversationID,
		nullableTime(conv.StartedAt),
		conv.EndedAt.UTC().Format(timeLayout),
		conv.Agent,
		conv.Skill,
		conv.Outcome,
		boolToInt(conv.Posted),
		nullableTime(conv.PostedAt),
	)
	if err != nil {
		return fmt.Errorf("insert conversation %s: %w", conv.ConversationID, err)
	}
	return nil
}

// AddDivision associates a conversation with a division. Idempotent.
func (s *Store) AddDivision(ctx context.Context, divisionID, conversationID string) error {
	if divisionID == "" || conversationID == "" {
		return errors.New("division id and conversation id are required")
	}
	_, err := s.execWithRetry(ctx,
		`INSERT OR IGNORE INTO division_conversations (division_id, conversation_id) VALUES (?, ?)`,
		divisionID, conversationID,
	)
	if err != nil {
		return fmt.Errorf("add division membership: %w", err)
	}
	return nil
}

// Get returns a single conversation by its external id.
func (s *Store) Get(ctx context.Context, conversationID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT conversation_id, started_at, ended_at, agent, skill, outcome, posted, posted_at
         FROM conversations WHERE conversation_id = ?`, conversationID)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, conversationID)
		}
		return nil, fmt.Errorf("get conversation %s: %w", conversationID, err)
	}
	return conv, nil
}

// Eligible returns unposted conversations belonging to the division whose end
// time falls inside the window, oldest first so the backlog drains in arrival
// order. The query has no side effects and returns an empty slice when
// nothing qualifies.
func (s *Store) Eligible(ctx context.Context, divisionID string, window Window) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT c.conversation_id, c.started_at, c.ended_at, c.agent, c.skill, c.outcome, c.posted, c.posted_at
         FROM conversations c
         JOIN division_conversations d ON d.conversation_id = c.conversation_id
         WHERE d.division_id = ?
           AND c.posted = 0
           AND c.ended_at >= ?
           AND c.ended_at <= ?
         ORDER BY c.ended_at ASC`,
		divisionID,
		window.Start.UTC().Format(timeLayout),
		window.End.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query eligible conversations: %w", err)
	}
	defer rows.Close()

	result := make([]Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan eligible conversation: %w", err)
		}
		result = append(result, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate eligible conversations: %w", err)
	}
	return result, nil
}

// MarkPosted flips the posted flag after a confirmed upload. The update is
// conditioned on the current state, so the transition happens at most once;
// the returned bool reports whether this call performed it. A false return
// with a nil error means another path already posted the conversation.
func (s *Store) MarkPosted(ctx context.Context, conversationID string, at time.Time) (bool, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE conversations SET posted = 1, posted_at = ?
         WHERE conversation_id = ? AND posted = 0`,
		at.UTC().Format(timeLayout), conversationID,
	)
	if err != nil {
		return false, fmt.Errorf("mark conversation %s posted: %w", conversationID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// PostedCountSince counts conversations posted at or after t. Drives the
// console health page.
func (s *Store) PostedCountSince(ctx context.Context, t time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT COUNT(1) FROM conversations WHERE posted = 1 AND posted_at >= ?`,
		t.UTC().Format(timeLayout),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count posted conversations: %w", err)
	}
	return count, nil
}

// List returns conversations filtered by posted state; posted == nil returns all.
func (s *Store) List(ctx context.Context, posted *bool) ([]Conversation, error) {
	query := `SELECT conversation_id, started_at, ended_at, agent, skill, outcome, posted, posted_at
              FROM conversations`
	args := []any{}
	if posted != nil {
		query += ` WHERE posted = ?`
		args = append(args, boolToInt(*posted))
	}
	query += ` ORDER BY ended_at DESC`

	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	result := make([]Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		result = append(result, *conv)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		conv      Conversation
		startedAt sql.NullString
		endedAt   string
		posted    int
		postedAt  sql.NullString
	)
	if err := row.Scan(
		&conv.ConversationID, &startedAt, &endedAt,
		&conv.Agent, &conv.Skill, &conv.Outcome,
		&posted, &postedAt,
	); err != nil {
		return nil, err
	}

	ended, err := time.Parse(timeLayout, endedAt)
	if err != nil {
		return nil, fmt.Errorf("parse ended_at: %w", err)
	}
	conv.EndedAt = ended
	conv.Posted = posted != 0

	if startedAt.Valid {
		t, err := time.Parse(timeLayout, startedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		conv.StartedAt = &t
	}
	if postedAt.Valid {
		t, err := time.Parse(timeLayout, postedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse posted_at: %w", err)
		}
		conv.PostedAt = &t
	}
	return &conv, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
