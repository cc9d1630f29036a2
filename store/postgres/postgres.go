package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zlnvch/pixelround/models"
	"github.com/zlnvch/pixelround/store"
)

// PostgresCanvasStore implements store.CanvasStore on PostgreSQL. The
// conditional-write contract maps onto guarded single statements:
// ON CONFLICT DO NOTHING for occupancy, WHERE-guarded UPDATEs for
// budgets and the round advance. Expected tables:
//
//	sessions (id uuid PK, network_address text, wallet_address text,
//	          ink int, eraser int, refill_round bigint, created_ms bigint,
//	          UNIQUE (network_address, wallet_address))
//	pixels   (seq bigserial, round bigint, x int, y int, id uuid,
//	          color text, owner uuid, created_ms bigint,
//	          PRIMARY KEY (round, x, y))
//	rounds   (singleton smallint PK DEFAULT 1 CHECK (singleton = 1),
//	          number bigint, start_ms bigint, end_ms bigint)
//	chat_messages (id uuid PK, username text, content text,
//	          network_address text, created_ms bigint)
type PostgresCanvasStore struct {
	pool *pgxpool.Pool
}

func NewPostgresCanvasStore(ctx context.Context, databaseURL string) (*PostgresCanvasStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &PostgresCanvasStore{pool: pool}, nil
}

func (pgStore *PostgresCanvasStore) Close() {
	pgStore.pool.Close()
}

func (pgStore *PostgresCanvasStore) GetOrCreateSession(ctx context.Context, networkAddress, walletAddress string, maxInk int) (models.Session, error) {
	sessionId, err := uuid.NewV4()
	if err != nil {
		return models.Session{}, err
	}

	session := models.Session{
		Id:             sessionId.String(),
		NetworkAddress: networkAddress,
		WalletAddress:  walletAddress,
		Ink:            maxInk,
		Eraser:         0,
		CreatedMs:      time.Now().UnixMilli(),
	}

	// ON CONFLICT DO NOTHING + a follow-up select resolves concurrent
	// first contacts to a single row.
	tag, err := pgStore.pool.Exec(ctx,
		`INSERT INTO sessions (id, network_address, wallet_address, ink, eraser, refill_round, created_ms)
		 VALUES ($1, $2, $3, $4, 0, 0, $5)
		 ON CONFLICT (network_address, wallet_address) DO NOTHING`,
		session.Id, networkAddress, walletAddress, maxInk, session.CreatedMs)
	if err != nil {
		return models.Session{}, fmt.Errorf("insert session failed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return session, nil
	}

	return pgStore.sessionByKey(ctx, networkAddress, walletAddress)
}

func (pgStore *PostgresCanvasStore) sessionByKey(ctx context.Context, networkAddress, walletAddress string) (models.Session, error) {
	row := pgStore.pool.QueryRow(ctx,
		`SELECT id, network_address, wallet_address, ink, eraser, refill_round, created_ms
		 FROM sessions WHERE network_address = $1 AND wallet_address = $2`,
		networkAddress, walletAddress)
	return scanSession(row)
}

func (pgStore *PostgresCanvasStore) GetSession(ctx context.Context, id string) (models.Session, error) {
	row := pgStore.pool.QueryRow(ctx,
		`SELECT id, network_address, wallet_address, ink, eraser, refill_round, created_ms
		 FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

func scanSession(row pgx.Row) (models.Session, error) {
	var s models.Session
	err := row.Scan(&s.Id, &s.NetworkAddress, &s.WalletAddress, &s.Ink, &s.Eraser, &s.RefillRound, &s.CreatedMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Session{}, store.ErrItemNotFound
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("scan session failed: %w", err)
	}
	return s, nil
}

func (pgStore *PostgresCanvasStore) RefillSession(ctx context.Context, id string, round int64, ink, eraser int) error {
	tag, err := pgStore.pool.Exec(ctx,
		`UPDATE sessions SET ink = $2, eraser = $3, refill_round = $4
		 WHERE id = $1 AND refill_round < $4`,
		id, ink, eraser, round)
	if err != nil {
		return fmt.Errorf("refill session failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrConditionFailed
	}
	return nil
}

func (pgStore *PostgresCanvasStore) ConsumeInk(ctx context.Context, id string, round int64, n int) (bool, error) {
	tag, err := pgStore.pool.Exec(ctx,
		`UPDATE sessions SET ink = ink - $2
		 WHERE id = $1 AND ink >= $2 AND refill_round = $3`,
		id, n, round)
	if err != nil {
		return false, fmt.Errorf("consume ink failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (pgStore *PostgresCanvasStore) ConsumeEraser(ctx context.Context, id string, round int64, n int) (bool, error) {
	tag, err := pgStore.pool.Exec(ctx,
		`UPDATE sessions SET eraser = eraser - $2
		 WHERE id = $1 AND eraser >= $2 AND refill_round = $3`,
		id, n, round)
	if err != nil {
		return false, fmt.Errorf("consume eraser failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (pgStore *PostgresCanvasStore) RefundInk(ctx context.Context, id string, n int) error {
	tag, err := pgStore.pool.Exec(ctx,
		`UPDATE sessions SET ink = ink + $2 WHERE id = $1`, id, n)
	if err != nil {
		return fmt.Errorf("refund ink failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrItemNotFound
	}
	return nil
}

func (pgStore *PostgresCanvasStore) RefundEraser(ctx context.Context, id string, n int) error {
	tag, err := pgStore.pool.Exec(ctx,
		`UPDATE sessions SET eraser = eraser + $2 WHERE id = $1`, id, n)
	if err != nil {
		return fmt.Errorf("refund eraser failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrItemNotFound
	}
	return nil
}

func (pgStore *PostgresCanvasStore) PlacePixel(ctx context.Context, pixel models.Pixel) (bool, error) {
	tag, err := pgStore.pool.Exec(ctx,
		`INSERT INTO pixels (round, x, y, id, color, owner, created_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (round, x, y) DO NOTHING`,
		pixel.Round, pixel.X, pixel.Y, pixel.Id, pixel.Color, pixel.Owner, pixel.CreatedMs)
	if err != nil {
		return false, fmt.Errorf("place pixel failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (pgStore *PostgresCanvasStore) ErasePixel(ctx context.Context, round int64, x, y int) (models.Pixel, bool, error) {
	row := pgStore.pool.QueryRow(ctx,
		`DELETE FROM pixels WHERE round = $1 AND x = $2 AND y = $3
		 RETURNING id, color, owner, created_ms`,
		round, x, y)

	pixel := models.Pixel{X: x, Y: y, Round: round}
	err := row.Scan(&pixel.Id, &pixel.Color, &pixel.Owner, &pixel.CreatedMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Pixel{}, false, nil
	}
	if err != nil {
		return models.Pixel{}, false, fmt.Errorf("erase pixel failed: %w", err)
	}
	return pixel, true, nil
}

func (pgStore *PostgresCanvasStore) ListPixels(ctx context.Context, round int64) ([]models.Pixel, error) {
	rows, err := pgStore.pool.Query(ctx,
		`SELECT x, y, id, color, owner, created_ms FROM pixels
		 WHERE round = $1 ORDER BY seq`, round)
	if err != nil {
		return nil, fmt.Errorf("list pixels failed: %w", err)
	}
	defer rows.Close()

	var pixels []models.Pixel
	for rows.Next() {
		pixel := models.Pixel{Round: round}
		if err := rows.Scan(&pixel.X, &pixel.Y, &pixel.Id, &pixel.Color, &pixel.Owner, &pixel.CreatedMs); err != nil {
			return nil, fmt.Errorf("scan pixel failed: %w", err)
		}
		pixels = append(pixels, pixel)
	}
	return pixels, rows.Err()
}

func (pgStore *PostgresCanvasStore) PurgePixels(ctx context.Context, round int64) error {
	_, err := pgStore.pool.Exec(ctx, `DELETE FROM pixels WHERE round = $1`, round)
	if err != nil {
		return fmt.Errorf("purge pixels failed: %w", err)
	}
	return nil
}

func (pgStore *PostgresCanvasStore) ActiveRound(ctx context.Context) (models.Round, error) {
	row := pgStore.pool.QueryRow(ctx,
		`SELECT number, start_ms, end_ms FROM rounds WHERE singleton = 1`)

	var r models.Round
	err := row.Scan(&r.Number, &r.StartMs, &r.EndMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Round{}, store.ErrItemNotFound
	}
	if err != nil {
		return models.Round{}, fmt.Errorf("scan round failed: %w", err)
	}
	return r, nil
}

func (pgStore *PostgresCanvasStore) AdvanceRound(ctx context.Context, from int64, next models.Round) (bool, error) {
	if from == 0 {
		tag, err := pgStore.pool.Exec(ctx,
			`INSERT INTO rounds (singleton, number, start_ms, end_ms)
			 VALUES (1, $1, $2, $3)
			 ON CONFLICT (singleton) DO NOTHING`,
			next.Number, next.StartMs, next.EndMs)
		if err != nil {
			return false, fmt.Errorf("bootstrap round failed: %w", err)
		}
		return tag.RowsAffected() == 1, nil
	}

	tag, err := pgStore.pool.Exec(ctx,
		`UPDATE rounds SET number = $2, start_ms = $3, end_ms = $4
		 WHERE singleton = 1 AND number = $1`,
		from, next.Number, next.StartMs, next.EndMs)
	if err != nil {
		return false, fmt.Errorf("advance round failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (pgStore *PostgresCanvasStore) InsertChat(ctx context.Context, msg models.ChatMessage) error {
	_, err := pgStore.pool.Exec(ctx,
		`INSERT INTO chat_messages (id, username, content, network_address, created_ms)
		 VALUES ($1, $2, $3, $4, $5)`,
		msg.Id, msg.Username, msg.Content, msg.NetworkAddress, msg.CreatedMs)
	if err != nil {
		return fmt.Errorf("insert chat failed: %w", err)
	}
	return nil
}

func (pgStore *PostgresCanvasStore) ListChat(ctx context.Context, limit int) ([]models.ChatMessage, error) {
	rows, err := pgStore.pool.Query(ctx,
		`SELECT id, username, content, network_address, created_ms
		 FROM (SELECT * FROM chat_messages ORDER BY created_ms DESC, id DESC LIMIT $1) newest
		 ORDER BY created_ms, id`, limit)
	if err != nil {
		return nil, fmt.Errorf("list chat failed: %w", err)
	}
	defer rows.Close()

	var messages []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.Id, &m.Username, &m.Content, &m.NetworkAddress, &m.CreatedMs); err != nil {
			return nil, fmt.Errorf("scan chat failed: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
