package observability

import (
	"fmt"

	"go.uber.org/multierr"
)

// AggregateErrors combines the failures of a multi-step operation. Nil
// entries are ignored; if anything remains it is logged once at error level
// and returned wrapped with the operation name.
func AggregateErrors(operation string, errs []error, fields ...Field) error {
	combined := multierr.Combine(errs...)
	if combined == nil {
		return nil
	}
	failures := multierr.Errors(combined)
	Log().Error(operation+" failed", append(fields,
		F("operation", operation),
		F("error_count", len(failures)),
		F("error", combined.Error()),
	)...)
	return fmt.Errorf("%s: %w", operation, combined)
}
