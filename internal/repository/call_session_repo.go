package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/ClareAI/astra-voice-bridge/internal/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CallSessionRepository handles database operations for call sessions
type CallSessionRepository struct {
	db *gorm.DB
}

// NewCallSessionRepository creates a new call session repository
func NewCallSessionRepository(db *gorm.DB) *CallSessionRepository {
	return &CallSessionRepository{db: db}
}

// Create creates a new call session
func (r *CallSessionRepository) Create(ctx context.Context, session *domain.CallSession) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.Status == "" {
		session.Status = domain.CallStatusActive
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	session.UpdatedAt = time.Now()

	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("failed to create call session: %w", err)
	}
	return nil
}

// Update updates an existing call session
func (r *CallSessionRepository) Update(ctx context.Context, session *domain.CallSession) error {
	session.UpdatedAt = time.Now()
	if err := r.db.WithContext(ctx).Save(session).Error; err != nil {
		return fmt.Errorf("failed to update call session: %w", err)
	}
	return nil
}

// EndSession marks a call session as finished and persists the final totals
func (r *CallSessionRepository) EndSession(ctx context.Context, session *domain.CallSession) error {
	now := time.Now()
	if session.EndedAt.IsZero() {
		session.EndedAt = now
	}
	if session.DurationSeconds == 0 && !session.StartedAt.IsZero() {
		session.DurationSeconds = int(session.EndedAt.Sub(session.StartedAt).Seconds())
	}
	if session.Status == "" || session.Status == domain.CallStatusActive {
		session.Status = domain.CallStatusEnded
	}
	session.UpdatedAt = now
	if err := r.db.WithContext(ctx).Save(session).Error; err != nil {
		return fmt.Errorf("failed to end call session: %w", err)
	}
	return nil
}

// GetByCallID retrieves a call session by the telephony call ID
func (r *CallSessionRepository) GetByCallID(ctx context.Context, callID string) (*domain.CallSession, error) {
	var session domain.CallSession
	if err := r.db.WithContext(ctx).Where("call_id = ?", callID).First(&session).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get call session: %w", err)
	}
	return &session, nil
}

// GetByID retrieves a call session by ID
func (r *CallSessionRepository) GetByID(ctx context.Context, id string) (*domain.CallSession, error) {
	var session domain.CallSession
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&session).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get call session: %w", err)
	}
	return &session, nil
}

// ListRecent retrieves the most recently started call sessions
func (r *CallSessionRepository) ListRecent(ctx context.Context, limit int) ([]*domain.CallSession, error) {
	if limit <= 0 {
		limit = 50
	}

	var sessions []*domain.CallSession
	if err := r.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("failed to list call sessions: %w", err)
	}
	return sessions, nil
}

// CallTurnRepository handles database operations for call turns
type CallTurnRepository struct {
	db *gorm.DB
}

// NewCallTurnRepository creates a new call turn repository
func NewCallTurnRepository(db *gorm.DB) *CallTurnRepository {
	return &CallTurnRepository{db: db}
}

// Create creates a single call turn
func (r *CallTurnRepository) Create(ctx context.Context, turn *domain.CallTurn) error {
	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	turn.UpdatedAt = time.Now()

	if err := r.db.WithContext(ctx).Create(turn).Error; err != nil {
		return fmt.Errorf("failed to create call turn: %w", err)
	}
	return nil
}

// CreateBatch creates multiple call turns in a batch
func (r *CallTurnRepository) CreateBatch(ctx context.Context, turns []*domain.CallTurn) error {
	if len(turns) == 0 {
		return nil
	}

	now := time.Now()
	for _, turn := range turns {
		if turn.ID == "" {
			turn.ID = uuid.New().String()
		}
		if turn.CreatedAt.IsZero() {
			turn.CreatedAt = now
		}
		turn.UpdatedAt = now
	}

	if err := r.db.WithContext(ctx).CreateInBatches(turns, 100).Error; err != nil {
		return fmt.Errorf("failed to create call turns: %w", err)
	}
	return nil
}

// GetBySessionID retrieves all turns for a call session in spoken order
func (r *CallTurnRepository) GetBySessionID(ctx context.Context, sessionID string) ([]*domain.CallTurn, error) {
	var turns []*domain.CallTurn
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("spoken_at ASC").
		Find(&turns).Error; err != nil {
		return nil, fmt.Errorf("failed to get call turns: %w", err)
	}
	return turns, nil
}
