package execution

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	domain "github.com/ahrav/execution-service/internal/domain/execution"
)

var validate = validator.New()

// validateRequest checks v's struct tags and reports failures as
// ErrInvalidRequest.
func validateRequest(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	return nil
}
