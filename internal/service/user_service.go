package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"velora_back_end/internal/apperr"
	"velora_back_end/internal/models"
	"velora_back_end/internal/utils"
)

type UserService struct {
	db *sql.DB
}

func NewUserService(db *sql.DB) *UserService {
	return &UserService{db: db}
}

func (s *UserService) Register(ctx context.Context, email, password, name string) (*models.User, error) {
	if email == "" || password == "" {
		return nil, apperr.Validation("Email and password are required")
	}

	// email déjà pris ?
	var existingID uuid.UUID
	err := s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE email = $1`, email).Scan(&existingID)
	if err == nil {
		return nil, apperr.Conflict("User already exists")
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Internal(err, "lookup user")
	}

	hash, err := utils.HashPassword(password)
	if err != nil {
		return nil, apperr.Internal(err, "hash password")
	}

	user := &models.User{Email: email, Name: name}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (email, password, name, created_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING id, created_at`,
		email, hash, name,
	).Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		// Deux inscriptions simultanées sur le même email : la contrainte
		// unique tranche, et le perdant reçoit la même réponse que si le
		// compte existait déjà.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, apperr.Conflict("User already exists")
		}
		return nil, apperr.Internal(err, "insert user")
	}

	return user, nil
}

// Login rend le même "Invalid credentials" que l'email soit inconnu
// ou que le mot de passe soit faux.
func (s *UserService) Login(ctx context.Context, email, password string) (string, *models.User, error) {
	var user models.User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password, name, created_at
		FROM users WHERE email = $1`,
		email,
	).Scan(&user.ID, &user.Email, &user.Password, &user.Name, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, apperr.Unauthorized("Invalid credentials")
	}
	if err != nil {
		return "", nil, apperr.Internal(err, "lookup user")
	}

	if !utils.VerifyPassword(password, user.Password) {
		return "", nil, apperr.Unauthorized("Invalid credentials")
	}

	token, err := utils.GenerateJWT(user)
	if err != nil {
		return "", nil, apperr.Internal(err, "sign token")
	}

	return token, &user, nil
}
