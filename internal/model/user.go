package model

import "time"

// Status is a user's presence status.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
	StatusBusy    Status = "busy"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusOffline, StatusBusy:
		return true
	}
	return false
}

// User is a registered account. The password hash never serializes to JSON.
type User struct {
	ID             string    `json:"id" bson:"_id"`
	Username       string    `json:"username" bson:"username"`
	Email          string    `json:"email" bson:"email"`
	FullName       string    `json:"full_name,omitempty" bson:"full_name,omitempty"`
	HashedPassword string    `json:"-" bson:"hashed_password"`
	Status         Status    `json:"status" bson:"status"`
	CreatedAt      time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" bson:"updated_at"`
}

// UserCreate carries a registration request.
type UserCreate struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	FullName string `json:"full_name" validate:"max=128"`
}

// UserUpdate is a partial profile update; nil fields are left unchanged.
type UserUpdate struct {
	Email    *string `json:"email,omitempty" validate:"omitempty,email"`
	FullName *string `json:"full_name,omitempty" validate:"omitempty,max=128"`
	Password *string `json:"password,omitempty" validate:"omitempty,min=8"`
}

// UserPatch is the persistence-level partial update derived from UserUpdate
// after the orchestrator has hashed any new password.
type UserPatch struct {
	Email          *string
	FullName       *string
	HashedPassword *string
	Status         *Status
}
