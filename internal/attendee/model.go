package attendee

import "time"

type Attendee struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Email          string     `json:"email"`
	DocumentType   string     `json:"document_type"`
	DocumentNumber string     `json:"document_number"`
	PhoneNumber    string     `json:"phone_number"`
	Address        string     `json:"address,omitempty"`
	DateOfBirth    *time.Time `json:"date_of_birth"`
	Gender         string     `json:"gender,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type Input struct {
	Name           string     `json:"name"`
	Email          string     `json:"email"`
	DocumentType   string     `json:"document_type"`
	DocumentNumber string     `json:"document_number"`
	PhoneNumber    string     `json:"phone_number"`
	Address        string     `json:"address"`
	DateOfBirth    *time.Time `json:"date_of_birth"`
	Gender         string     `json:"gender"`
}
