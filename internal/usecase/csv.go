package usecase

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/verifact/provider-validator/internal/domain"
)

// csvColumns is the fixed header-to-field mapping for CSV intake.
var csvColumns = map[string]func(*domain.Provider, string){
	"provider_id":        func(p *domain.Provider, v string) { p.ProviderID = v },
	"given_name":         func(p *domain.Provider, v string) { p.GivenName = v },
	"family_name":        func(p *domain.Provider, v string) { p.FamilyName = v },
	"identifier":         func(p *domain.Provider, v string) { p.Identifier = v },
	"phone_primary":      func(p *domain.Provider, v string) { p.PhonePrimary = v },
	"phone_alt":          func(p *domain.Provider, v string) { p.PhoneAlt = v },
	"email":              func(p *domain.Provider, v string) { p.Email = v },
	"address_street":     func(p *domain.Provider, v string) { p.AddressStreet = v },
	"address_city":       func(p *domain.Provider, v string) { p.AddressCity = v },
	"address_state":      func(p *domain.Provider, v string) { p.AddressState = v },
	"address_zip":        func(p *domain.Provider, v string) { p.AddressZip = v },
	"country":            func(p *domain.Provider, v string) { p.Country = v },
	"license_number":     func(p *domain.Provider, v string) { p.LicenseNumber = v },
	"license_state":      func(p *domain.Provider, v string) { p.LicenseState = v },
	"document_reference": func(p *domain.Provider, v string) { p.DocumentRef = v },
}

// ParseProvidersCSV maps CSV rows to provider submissions using the fixed
// column table. Unrecognized columns are ignored. Rows without a
// provider_id column (or with an empty cell) get a synthetic UUID.
func ParseProvidersCSV(data []byte) ([]domain.Provider, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("op=csv.header: %w", domain.ErrInvalidArgument)
	}
	setters := make([]func(*domain.Provider, string), len(header))
	known := 0
	for i, col := range header {
		if set, ok := csvColumns[strings.ToLower(strings.TrimSpace(col))]; ok {
			setters[i] = set
			known++
		}
	}
	if known == 0 {
		return nil, fmt.Errorf("op=csv.header: no recognized columns: %w", domain.ErrInvalidArgument)
	}

	var out []domain.Provider
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("op=csv.row %d: %w", len(out)+2, domain.ErrInvalidArgument)
		}
		var p domain.Provider
		for i, cell := range row {
			if i < len(setters) && setters[i] != nil {
				setters[i](&p, strings.TrimSpace(cell))
			}
		}
		if p.ProviderID == "" {
			p.ProviderID = uuid.NewString()
		}
		out = append(out, p)
	}
	return out, nil
}
