// Package validation checks configuration and endpoint input.
//
// Struct tags are handled by go-playground/validator; field names in the
// resulting messages come from mapstructure or json tags:
//
//	type Section struct {
//	    Address string `mapstructure:"address" validate:"required,hostname_port"`
//	}
//	err := validation.Validate(section)
//
// The Validator builder collects programmatic checks:
//
//	err := validation.New().
//	    Required("service_id", ep.ServiceID).
//	    Port("port", ep.Port).
//	    Err()
//
// Both return *errors.AppError with code INVALID_INPUT and a "fields" detail.
package validation
