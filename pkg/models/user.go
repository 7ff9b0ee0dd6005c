package models

import (
	"time"
)

// Contact holds the channels a user can be alerted on
type Contact struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Phone  string `json:"phone,omitempty"`
	Email  string `json:"email,omitempty"`
}

// Reachable reports whether at least one channel is set
func (c *Contact) Reachable() bool {
	return c.Phone != "" || c.Email != ""
}

// UserRole represents user roles
type UserRole string

const (
	UserRoleAdmin UserRole = "admin"
	UserRoleUser  UserRole = "user"
)

// Package is a purchasable data package
type Package struct {
	ID           string    `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	Quota        float64   `json:"quota" db:"quota"`
	Price        float64   `json:"price" db:"price"`
	ValidityDays int       `json:"validity_days" db:"validity_days"` // 0 means open-ended
	Type         string    `json:"type" db:"type"`
	Status       string    `json:"status" db:"status"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// EndDate returns the end of the validity window for a package started at start
func (p *Package) EndDate(start time.Time) *time.Time {
	if p.ValidityDays <= 0 {
		return nil
	}
	end := start.AddDate(0, 0, p.ValidityDays)
	return &end
}
