package ata

import (
	"strings"
	"unicode"
)

// Validation messages.
const (
	MsgCityRequired      = "Cidade é obrigatória"
	MsgStateRequired     = "Estado é obrigatório"
	MsgVenueRequired     = "Local do ensaio é obrigatório"
	MsgPresidingMissing  = "Presidência não informada"
	MsgUsherMissing      = "Encarregado não informado"
	MsgNoMusicians       = "Nenhum músico contabilizado"
	MsgStateNotTwoLetter = "Estado deve ter 2 letras"
)

// Validation reports blocking errors and advisory warnings. It never stops a
// save or an export.
type Validation struct {
	IsValid  bool     `json:"isValid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// Validate checks r with the default totals policy.
func Validate(r Record) Validation {
	return ValidateWith(r, SeparateOrganists{})
}

// ValidateWith checks r, using policy to decide whether any musician was
// counted.
func ValidateWith(r Record, policy TotalsPolicy) Validation {
	if policy == nil {
		policy = SeparateOrganists{}
	}
	v := Validation{Errors: []string{}, Warnings: []string{}}
	if blank(r.City) {
		v.Errors = append(v.Errors, MsgCityRequired)
	}
	if blank(r.State) {
		v.Errors = append(v.Errors, MsgStateRequired)
	} else if !isUF(r.State) {
		v.Warnings = append(v.Warnings, MsgStateNotTwoLetter)
	}
	if blank(r.Venue) {
		v.Errors = append(v.Errors, MsgVenueRequired)
	}
	if blank(r.Presiding) {
		v.Warnings = append(v.Warnings, MsgPresidingMissing)
	}
	if blank(r.Usher) {
		v.Warnings = append(v.Warnings, MsgUsherMissing)
	}
	if policy.Totals(r).TotalMusicians == 0 {
		v.Warnings = append(v.Warnings, MsgNoMusicians)
	}
	v.IsValid = len(v.Errors) == 0
	return v
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }

func isUF(s string) bool {
	s = strings.TrimSpace(s)
	if len([]rune(s)) != 2 {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}
