package models

import (
	"strings"

	"github.com/gitshopapp/billing/internal/tax"
)

type Address struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Address1  string `json:"address_1"`
	Address2  string `json:"address_2"`
	City      string `json:"city"`
	State     string `json:"state"`
	Postcode  string `json:"postcode"`
	Country   string `json:"country"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
}

func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) FullName() string {
	return strings.TrimSpace(a.FirstName + " " + a.LastName)
}

// TaxLocation returns the jurisdiction part of the address.
func (a Address) TaxLocation() *tax.Location {
	return &tax.Location{
		Country:  strings.ToUpper(strings.TrimSpace(a.Country)),
		State:    strings.ToUpper(strings.TrimSpace(a.State)),
		Postcode: strings.TrimSpace(a.Postcode),
		City:     strings.TrimSpace(a.City),
	}
}
