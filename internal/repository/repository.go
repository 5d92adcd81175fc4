package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JaykumarBariya/OSWD-Assignment2/internal/model"
)

// Store is the pgx-backed record store. Every operation touches a single row;
// absence is reported as pgx.ErrNoRows.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) CreateUser(ctx context.Context, user model.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, name, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, user.ID, user.Name, user.Email, user.PasswordHash, user.CreatedAt)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	var user model.User
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, email, password_hash, created_at
		FROM users
		WHERE email = $1
	`, email)
	err := row.Scan(
		&user.ID,
		&user.Name,
		&user.Email,
		&user.PasswordHash,
		&user.CreatedAt,
	)
	return user, err
}

func (s *Store) CreateStudent(ctx context.Context, student model.Student) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO students (id, name, age, email, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, student.ID, student.Name, student.Age, student.Email, student.CreatedAt, student.UpdatedAt)
	return err
}

func (s *Store) ListStudents(ctx context.Context) ([]model.Student, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, age, email, created_at, updated_at
		FROM students
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	students := make([]model.Student, 0)
	for rows.Next() {
		var student model.Student
		if err := rows.Scan(
			&student.ID,
			&student.Name,
			&student.Age,
			&student.Email,
			&student.CreatedAt,
			&student.UpdatedAt,
		); err != nil {
			return nil, err
		}
		students = append(students, student)
	}
	return students, rows.Err()
}

func (s *Store) GetStudent(ctx context.Context, id string) (model.Student, error) {
	var student model.Student
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, age, email, created_at, updated_at
		FROM students
		WHERE id = $1
	`, id)
	err := row.Scan(
		&student.ID,
		&student.Name,
		&student.Age,
		&student.Email,
		&student.CreatedAt,
		&student.UpdatedAt,
	)
	return student, err
}

// UpdateStudent overwrites name, age and email unconditionally. Last writer
// wins; there is no optimistic concurrency check.
func (s *Store) UpdateStudent(ctx context.Context, id, name string, age int, email string) (model.Student, error) {
	var student model.Student
	row := s.pool.QueryRow(ctx, `
		UPDATE students
		SET name = $1, age = $2, email = $3, updated_at = $4
		WHERE id = $5
		RETURNING id, name, age, email, created_at, updated_at
	`, name, age, email, time.Now().UTC(), id)
	err := row.Scan(
		&student.ID,
		&student.Name,
		&student.Age,
		&student.Email,
		&student.CreatedAt,
		&student.UpdatedAt,
	)
	return student, err
}

// DeleteStudent reports false when no row matched the id.
func (s *Store) DeleteStudent(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM students WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
