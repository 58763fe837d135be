// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation for request fields that
// end up in database queries, object-store keys, or source-adapter
// filesystem paths. Using these validators instead of trusting client
// input prevents injection into catalog queries and path traversal into
// blob storage keys built from request fields.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// identifierPattern matches the catalog's closed-domain identifiers:
// storm names, station IDs, product families. Uppercase/lowercase
// letters, digits, underscore and hyphen, 1-64 chars.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateIdentifier rejects any value that isn't a safe catalog
// identifier, preventing it from being used to construct an object-store
// key or path component containing "/", "..", or shell metacharacters.
func ValidateIdentifier(name, value string) error {
	if value == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if !identifierPattern.MatchString(value) {
		return fmt.Errorf("invalid %s %q: must be 1-64 chars of [A-Za-z0-9_-]", name, value)
	}
	return nil
}

// SanitizeIdentifier upper-cases and trims value, then validates it.
// Catalog identifiers (storm names, station codes) are stored
// upper-cased so lookups are case-insensitive at the call site.
func SanitizeIdentifier(name, value string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(value))
	if err := ValidateIdentifier(name, normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the process-wide go-playground validator instance,
// registering the closeddomain custom tag on first use.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		_ = validate.RegisterValidation("closeddomain", validateClosedDomainTag)
	})
	return validate
}

// validateClosedDomainTag backs the `validate:"closeddomain"` struct tag,
// used on request-spec fields (source family, product type) that must be
// one of a small registered set rather than arbitrary user text. The
// tag's parameter is a space-separated allow-list, e.g.
// `validate:"closeddomain=global regional tropical_ensemble"`, the same
// parameter shape oneof uses, since validator reserves '|' for OR-ing
// whole tags.
func validateClosedDomainTag(fl validator.FieldLevel) bool {
	allowed := strings.Fields(fl.Param())
	value := fl.Field().String()
	for _, a := range allowed {
		if a == value {
			return true
		}
	}
	return false
}
